package progress_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dalemusser/conspiracypass/internal/app/features/progress"
	"github.com/dalemusser/conspiracypass/internal/app/system/adminauth"
	"github.com/dalemusser/conspiracypass/internal/app/system/docstore"
	"github.com/dalemusser/conspiracypass/internal/domain/models"
	"github.com/dalemusser/conspiracypass/internal/testutil"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const adminCode = "TEST_ADMIN"

type fixture struct {
	store  *docstore.Memory
	sync   *progress.Syncer
	router chi.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := testutil.NewMemoryStore()
	s := progress.NewSyncer(store, zap.NewNop())
	h := progress.NewHandler(s, adminauth.New(adminCode, []byte("0123456789abcdef0123456789abcdef"), time.Hour), zap.NewNop())
	return &fixture{store: store, sync: s, router: progress.Routes(h)}
}

func (f *fixture) do(t *testing.T, method, target string, body any) *testutil.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == nil {
		req = testutil.NewRequest(method, target)
	} else {
		req = testutil.NewJSONRequest(t, method, target, body)
	}
	rec := testutil.NewRecorder(t)
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) get(t *testing.T, code string) models.Participant {
	t.Helper()
	rec := f.do(t, "GET", "/?code="+code, nil)
	rec.AssertStatus(http.StatusOK)
	var p models.Participant
	rec.DecodeJSON(&p)
	return p
}

func TestGet_BootstrapsOnce(t *testing.T) {
	f := newFixture(t)

	first := f.get(t, "P100")
	if first.ParticipantCode != "P100" {
		t.Errorf("participant_code = %q", first.ParticipantCode)
	}
	if !models.ValidGroup(first.GroupAssignment) {
		t.Errorf("group_assignment = %q", first.GroupAssignment)
	}
	if len(first.SharingCode) != 6 {
		t.Errorf("sharing_code = %q", first.SharingCode)
	}
	if first.SessionCount != 1 || first.UserStatsLevel != 1 || first.CurrentProgressStep != models.StepInstruction {
		t.Errorf("defaults not applied: %+v", first)
	}
	for n := 0; n < models.MissionCount; n++ {
		if first.MissionUnlocked(n) || first.MissionCompleted(n) {
			t.Errorf("mission %d should start locked and incomplete", n)
		}
	}

	second := f.get(t, "P100")
	if second.SharingCode != first.SharingCode || second.GroupAssignment != first.GroupAssignment {
		t.Errorf("second GET changed the record: %+v vs %+v", second, first)
	}
	if f.store.Count(docstore.Participants) != 1 {
		t.Errorf("expected 1 participant, got %d", f.store.Count(docstore.Participants))
	}
}

func TestGet_ConcurrentDistinctCodes(t *testing.T) {
	f := newFixture(t)

	const n = 40
	codes := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := testutil.TestContext()
			defer cancel()
			p, err := f.sync.GetOrCreate(ctx, fmt.Sprintf("C%03d", i))
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			codes[i] = p.SharingCode
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, c := range codes {
		if seen[c] {
			t.Errorf("sharing code %q issued twice", c)
		}
		seen[c] = true
	}
}

func TestGet_ConcurrentSameCode(t *testing.T) {
	f := newFixture(t)

	const n = 10
	got := make([]models.Participant, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := testutil.TestContext()
			defer cancel()
			p, err := f.sync.GetOrCreate(ctx, "SAME")
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			got[i] = p
		}(i)
	}
	wg.Wait()

	if f.store.Count(docstore.Participants) != 1 {
		t.Fatalf("expected one record, got %d", f.store.Count(docstore.Participants))
	}
	for _, p := range got {
		if p.SharingCode != got[0].SharingCode {
			t.Errorf("callers saw different records: %q vs %q", p.SharingCode, got[0].SharingCode)
		}
	}
}

func TestGet_All(t *testing.T) {
	f := newFixture(t)
	f.get(t, "A1")
	f.get(t, "B2")

	rec := f.do(t, "GET", "/?code=all", nil)
	rec.AssertStatus(http.StatusOK)
	var all map[string]models.Participant
	rec.DecodeJSON(&all)
	if len(all) != 2 || all["A1"].ParticipantCode != "A1" || all["B2"].ParticipantCode != "B2" {
		t.Errorf("unexpected map: %v", all)
	}
}

func TestGet_BadCodes(t *testing.T) {
	f := newFixture(t)
	for _, target := range []string{"/", "/?code=", "/?code=%20", "/?code=missions-lock", "/?code=missions-unlock"} {
		rec := f.do(t, "GET", target, nil)
		rec.AssertStatus(http.StatusBadRequest)
	}
	if f.store.Count(docstore.Participants) != 0 {
		t.Error("a reserved code created a participant")
	}
}

func TestPut_MergesResponsesAcrossComponents(t *testing.T) {
	f := newFixture(t)
	f.get(t, "P1")

	f.do(t, "PUT", "/?code=P1", `{"responses":{"compA":{"answers":{"q1":"a"}}}}`).AssertStatus(http.StatusOK)
	f.do(t, "PUT", "/?code=P1", `{"responses":{"compB":{"answers":{"q1":"b"}}}}`).AssertStatus(http.StatusOK)

	p := f.get(t, "P1")
	if p.Responses["compA"].Answers["q1"] != "a" || p.Responses["compB"].Answers["q1"] != "b" {
		t.Errorf("responses = %+v", p.Responses)
	}
}

func TestPut_ComponentFieldsKept(t *testing.T) {
	f := newFixture(t)

	f.do(t, "PUT", "/?code=C1", `{"responses":{"compA":{"answers":{"q1":"a"},"status":"submitted"}}}`).
		AssertStatus(http.StatusOK)
	f.do(t, "PUT", "/?code=C1", `{"responses":{"compA":{"answers":{"q2":"b"}}}}`).
		AssertStatus(http.StatusOK)

	c := f.get(t, "C1").Responses["compA"]
	if c.Extra["status"] != "submitted" {
		t.Errorf("component field lost: %+v", c)
	}
	if c.Answers["q1"] != "a" || c.Answers["q2"] != "b" {
		t.Errorf("answers = %v", c.Answers)
	}
}

func TestPut_MissionCompletedSticks(t *testing.T) {
	f := newFixture(t)

	f.do(t, "PUT", "/?code=M1", `{"mission1_completed":true}`).AssertStatus(http.StatusOK)
	f.do(t, "PUT", "/?code=M1", `{"mission1_completed":false}`).AssertStatus(http.StatusOK)

	if p := f.get(t, "M1"); !p.Mission1Completed {
		t.Error("mission1_completed reset by a later PUT")
	}
}

func TestPut_Idempotent(t *testing.T) {
	f := newFixture(t)
	body := `{"user_stats_points":120,"user_stats_level":2,"current_progress_step":"mainmenu","completedSections":["s1"]}`

	f.do(t, "PUT", "/?code=P2", body).AssertStatus(http.StatusOK)
	first := f.get(t, "P2")
	f.do(t, "PUT", "/?code=P2", body).AssertStatus(http.StatusOK)
	second := f.get(t, "P2")

	if first.UserStatsPoints != second.UserStatsPoints ||
		first.UserStatsLevel != second.UserStatsLevel ||
		first.CurrentProgressStep != second.CurrentProgressStep ||
		len(second.CompletedSections) != 1 ||
		first.SharingCode != second.SharingCode {
		t.Errorf("second PUT changed state: %+v vs %+v", first, second)
	}
}

func TestPut_CreatesUnknownCode(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "PUT", "/?code=NEW1", `{"intro_completed":true}`)
	rec.AssertStatus(http.StatusOK)
	var p models.Participant
	rec.DecodeJSON(&p)
	if !p.IntroCompleted || p.SharingCode == "" || p.SessionCount != 1 {
		t.Errorf("new record = %+v", p)
	}
}

func TestPut_Rejects(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		target string
		body   any
	}{
		{"missing code", "/", `{}`},
		{"empty body", "/?code=P3", ""},
		{"not an object", "/?code=P3", `[1,2]`},
		{"invalid group", "/?code=P3", `{"group_assignment":"9"}`},
		{"reserved all", "/?code=all", `{"x":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.do(t, "PUT", tt.target, tt.body).AssertStatus(http.StatusBadRequest)
		})
	}
}

func TestMissionUnlock_FanOut(t *testing.T) {
	f := newFixture(t)
	f.get(t, "U1")
	f.get(t, "U2")

	rec := f.do(t, "PUT", "/?code=missions-unlock", map[string]any{"missionId": 2, "adminCode": adminCode})
	rec.AssertStatus(http.StatusOK)
	var upd models.MissionUpdate
	rec.DecodeJSON(&upd)
	if !upd.Success || upd.MissionID != 2 || !upd.Unlocked || !upd.ConfigUpdated {
		t.Errorf("update = %+v", upd)
	}
	if upd.MatchedCount != 2 || upd.ModifiedCount != 2 {
		t.Errorf("counts = %d/%d, want 2/2", upd.MatchedCount, upd.ModifiedCount)
	}

	for _, code := range []string{"U1", "U2", "U3"} {
		if p := f.get(t, code); !p.MissionUnlocked(2) {
			t.Errorf("%s: mission2_unlocked = false", code)
		}
	}

	cfgRec := f.do(t, "GET", "/config", nil)
	cfgRec.AssertStatus(http.StatusOK)
	var cfg models.MissionsConfig
	cfgRec.DecodeJSON(&cfg)
	if !cfg.Mission2Unlocked || cfg.Mission1Unlocked {
		t.Errorf("config = %+v", cfg)
	}

	f.do(t, "PUT", "/?code=missions-lock", map[string]any{"missionId": "2", "adminCode": adminCode}).
		AssertStatus(http.StatusOK)
	if p := f.get(t, "U1"); p.MissionUnlocked(2) {
		t.Error("mission 2 still unlocked after lock")
	}
}

func TestMissionUnlock_MissionZero(t *testing.T) {
	f := newFixture(t)
	f.get(t, "Z1")

	f.do(t, "PUT", "/?code=missions-unlock", `{"missionId":0,"adminCode":"TEST_ADMIN"}`).
		AssertStatus(http.StatusOK)
	if p := f.get(t, "Z1"); !p.MissionUnlocked(0) {
		t.Error("mission0_unlocked = false")
	}
}

func TestMissionUnlock_AuthAndValidation(t *testing.T) {
	f := newFixture(t)
	f.get(t, "V1")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing admin code", `{"missionId":1}`, http.StatusBadRequest},
		{"null admin code", `{"missionId":1,"adminCode":null}`, http.StatusBadRequest},
		{"wrong admin code", `{"missionId":1,"adminCode":"nope"}`, http.StatusForbidden},
		{"missing mission", `{"adminCode":"TEST_ADMIN"}`, http.StatusBadRequest},
		{"non-numeric mission", `{"missionId":"two","adminCode":"TEST_ADMIN"}`, http.StatusBadRequest},
		{"out of range", `{"missionId":7,"adminCode":"TEST_ADMIN"}`, http.StatusBadRequest},
		{"negative", `{"missionId":-1,"adminCode":"TEST_ADMIN"}`, http.StatusBadRequest},
		{"out of range with wrong code", `{"missionId":7,"adminCode":"nope"}`, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.do(t, "PUT", "/?code=missions-unlock", tt.body).AssertStatus(tt.want)
		})
	}

	if p := f.get(t, "V1"); p.MissionUnlocked(1) {
		t.Error("a rejected request unlocked mission 1")
	}
}

func TestMissionUnlock_WholeNumberIDs(t *testing.T) {
	f := newFixture(t)
	f.get(t, "W1")

	tests := []struct {
		name    string
		body    string
		want    int
		mission int
	}{
		{"float", `{"missionId":2.0,"adminCode":"TEST_ADMIN"}`, http.StatusOK, 2},
		{"float string", `{"missionId":"3.0","adminCode":"TEST_ADMIN"}`, http.StatusOK, 3},
		{"padded string", `{"missionId":" 1 ","adminCode":"TEST_ADMIN"}`, http.StatusOK, 1},
		{"fraction", `{"missionId":1.5,"adminCode":"TEST_ADMIN"}`, http.StatusBadRequest, -1},
		{"fraction string", `{"missionId":"0.5","adminCode":"TEST_ADMIN"}`, http.StatusBadRequest, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.do(t, "PUT", "/?code=missions-unlock", tt.body).AssertStatus(tt.want)
			if tt.mission >= 0 && !f.get(t, "W1").MissionUnlocked(tt.mission) {
				t.Errorf("mission %d not unlocked", tt.mission)
			}
		})
	}
	if f.get(t, "W1").MissionUnlocked(0) {
		t.Error("a fractional id unlocked mission 0")
	}
}

func TestMissionUnlock_OperatorToken(t *testing.T) {
	f := newFixture(t)
	auth := adminauth.New(adminCode, []byte("0123456789abcdef0123456789abcdef"), time.Hour)
	tok, err := auth.MintToken("ops-lead", time.Now())
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}

	f.do(t, "PUT", "/?code=missions-unlock", map[string]any{"missionId": 3, "adminCode": tok}).
		AssertStatus(http.StatusOK)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	f.get(t, "D1")
	f.get(t, "D2")

	f.do(t, "DELETE", "/?code=D1", `{}`).AssertStatus(http.StatusBadRequest)
	f.do(t, "DELETE", "/?code=D1", `{"adminCode":"nope"}`).AssertStatus(http.StatusForbidden)

	rec := f.do(t, "DELETE", "/?code=D1", map[string]string{"adminCode": adminCode})
	rec.AssertStatus(http.StatusOK)
	var res models.DeleteResult
	rec.DecodeJSON(&res)
	if !res.Success || res.DeletedCount != 1 {
		t.Errorf("delete result = %+v", res)
	}

	rec = f.do(t, "DELETE", "/?code=D1", map[string]string{"adminCode": adminCode})
	rec.AssertStatus(http.StatusOK)
	rec.DecodeJSON(&res)
	if res.DeletedCount != 0 {
		t.Errorf("second delete removed %d", res.DeletedCount)
	}
}

func TestDeleteAll_ResetsMissions(t *testing.T) {
	f := newFixture(t)
	f.get(t, "R1")
	f.get(t, "R2")
	f.do(t, "PUT", "/?code=missions-unlock", map[string]any{"missionId": 1, "adminCode": adminCode}).
		AssertStatus(http.StatusOK)

	rec := f.do(t, "DELETE", "/?code=all", map[string]string{"adminCode": adminCode})
	rec.AssertStatus(http.StatusOK)
	var res models.DeleteResult
	rec.DecodeJSON(&res)
	if res.DeletedCount != 2 {
		t.Errorf("deletedCount = %d, want 2", res.DeletedCount)
	}
	if f.store.Count(docstore.Participants) != 0 {
		t.Error("participants remain after delete all")
	}

	if p := f.get(t, "R3"); p.MissionUnlocked(1) {
		t.Error("new participant inherited an unlock from before the reset")
	}
}

func TestReferralCredit(t *testing.T) {
	f := newFixture(t)
	referrer := f.get(t, "REF1")

	body := fmt.Sprintf(`{"used_referral_code":%q}`, referrer.SharingCode)
	f.do(t, "PUT", "/?code=NEWKID", body).AssertStatus(http.StatusOK)
	// A repeated save must not credit twice.
	f.do(t, "PUT", "/?code=NEWKID", body).AssertStatus(http.StatusOK)

	if got := f.get(t, "REF1").ReferralsCount; got != 1 {
		t.Errorf("referrals_count = %d, want 1", got)
	}
}

func TestUnreachableStore(t *testing.T) {
	f := newFixture(t)
	f.store.SetUnreachable(true)

	rec := f.do(t, "GET", "/?code=P9", nil)
	rec.AssertStatus(http.StatusInternalServerError)
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Details string `json:"details"`
	}
	rec.DecodeJSON(&body)
	if body.Error == "" || body.Message != "Database unreachable" || body.Details == "" {
		t.Errorf("error body = %+v", body)
	}
}

func TestOptions(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest("OPTIONS", "/?code=P1", nil)
	req.Header.Set("Origin", "https://game.example.org")
	req.Header.Set("Access-Control-Request-Method", "PUT")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("preflight wrote a body: %q", rec.Body.String())
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}

	// Plain OPTIONS without preflight headers.
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest("OPTIONS", "/", nil))
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Errorf("plain OPTIONS = %d %q", rec.Code, rec.Body.String())
	}
}

func TestCORSOnResponses(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest("GET", "/?code=P1", nil)
	req.Header.Set("Origin", "https://game.example.org")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}
