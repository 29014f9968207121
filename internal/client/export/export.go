// Package export flattens participant records into the fixed column schema
// used for researcher downloads.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/dalemusser/conspiracypass/internal/domain/models"
	"github.com/xuri/excelize/v2"
)

// SheetName is the worksheet written by XLSX.
const SheetName = "Participants"

// Columns is the export column order.
var Columns = []string{
	"participant_code",
	"group_assignment",
	"sharing_code",
	"referral_code",
	"timestamp_start",
	"timestamp_last_update",
	"session_count",
	"total_time_spent",
	"instruction_completed",
	"intro_completed",
	"user_stats_points",
	"user_stats_level",
	"referrals_count",
	"mainmenu_visits",
	"mission0_unlocked",
	"mission0_completed",
	"mission1_unlocked",
	"mission1_completed",
	"mission2_unlocked",
	"mission2_completed",
	"mission3_unlocked",
	"mission3_completed",
}

// Row renders p in Columns order. Booleans are "true"/"false"; times are RFC 3339.
func Row(p models.Participant) []string {
	row := []string{
		p.ParticipantCode,
		p.GroupAssignment,
		p.SharingCode,
		deref(p.ReferralCode),
		formatTime(p.TimestampStart),
		formatTime(p.TimestampLastUpdate),
		strconv.Itoa(p.SessionCount),
		strconv.FormatFloat(p.TotalTimeSpent, 'f', -1, 64),
		strconv.FormatBool(p.InstructionCompleted),
		strconv.FormatBool(p.IntroCompleted),
		strconv.Itoa(p.UserStatsPoints),
		strconv.Itoa(p.UserStatsLevel),
		strconv.Itoa(p.ReferralsCount),
		strconv.Itoa(p.MainmenuVisits),
	}
	for n := 0; n < models.MissionCount; n++ {
		row = append(row, strconv.FormatBool(p.MissionUnlocked(n)), strconv.FormatBool(p.MissionCompleted(n)))
	}
	return row
}

// Sorted returns the records of all ordered by participant code.
func Sorted(all map[string]models.Participant) []models.Participant {
	out := make([]models.Participant, 0, len(all))
	for _, p := range all {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantCode < out[j].ParticipantCode })
	return out
}

// CSV writes a header row and one row per participant.
func CSV(w io.Writer, participants []models.Participant) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, p := range participants {
		if err := cw.Write(Row(p)); err != nil {
			return fmt.Errorf("write csv row %s: %w", p.ParticipantCode, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// XLSX writes a workbook with a single Participants sheet.
func XLSX(w io.Writer, participants []models.Participant) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}
	sw, err := f.NewStreamWriter(SheetName)
	if err != nil {
		return fmt.Errorf("open sheet writer: %w", err)
	}

	if err := sw.SetRow("A1", toCells(Columns)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, p := range participants {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, toCells(Row(p))); err != nil {
			return fmt.Errorf("write row %s: %w", p.ParticipantCode, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("flush sheet: %w", err)
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func toCells(vals []string) []interface{} {
	out := make([]interface{}, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
