package datamanager_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dalemusser/conspiracypass/internal/app/features/progress"
	"github.com/dalemusser/conspiracypass/internal/app/system/adminauth"
	"github.com/dalemusser/conspiracypass/internal/client/datamanager"
	"github.com/dalemusser/conspiracypass/internal/client/export"
	"github.com/dalemusser/conspiracypass/internal/client/localcache"
	"github.com/dalemusser/conspiracypass/internal/client/remote"
	"github.com/dalemusser/conspiracypass/internal/domain/models"
	"github.com/dalemusser/conspiracypass/internal/testutil"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const adminCode = "TEST_ADMIN"

type env struct {
	srv      *httptest.Server
	sync     *progress.Syncer
	cache    *localcache.Cache
	mgr      *datamanager.Manager
	failGets atomic.Bool // GET requests answer 503 while set
}

// ticker hands out a strictly increasing time so server timestamps differ
// between requests.
func ticker() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{}

	s := progress.NewSyncer(testutil.NewMemoryStore(), zap.NewNop())
	s.Now = ticker()
	e.sync = s
	h := progress.NewHandler(s, adminauth.New(adminCode, nil, 0), zap.NewNop())

	r := chi.NewRouter()
	r.Mount("/progress", progress.Routes(h))
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodGet && e.failGets.Load() {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
			return
		}
		r.ServeHTTP(w, req)
	}))
	t.Cleanup(e.srv.Close)

	mr := miniredis.RunT(t)
	c, err := localcache.Open(context.Background(), "redis://"+mr.Addr(), zap.NewNop())
	if err != nil {
		t.Fatalf("localcache.Open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	e.cache = c

	rc, err := remote.New(e.srv.URL, remote.WithTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("remote.New: %v", err)
	}
	e.mgr = datamanager.New(rc, c, datamanager.Config{AdminCode: adminCode, Logger: zap.NewNop()})
	t.Cleanup(e.mgr.Close)
	return e
}

func TestLoad_FetchesAndCaches(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	p, err := e.mgr.LoadUserProgress(ctx, "P1")
	if err != nil {
		t.Fatalf("LoadUserProgress: %v", err)
	}
	if p.ParticipantCode != "P1" || !models.ValidGroup(p.GroupAssignment) || len(p.SharingCode) != 6 {
		t.Errorf("loaded %+v", p)
	}

	cached, ok, err := e.cache.GetParticipant(ctx, "P1")
	if err != nil || !ok {
		t.Fatalf("cache = %v, %v", ok, err)
	}
	if cached.SharingCode != p.SharingCode {
		t.Errorf("cached sharing code %q, loaded %q", cached.SharingCode, p.SharingCode)
	}
}

func TestLoad_BlankCode(t *testing.T) {
	e := newEnv(t)
	if _, err := e.mgr.LoadUserProgress(context.Background(), "  "); err != datamanager.ErrNoCode {
		t.Errorf("err = %v, want ErrNoCode", err)
	}
}

func TestLoad_FallsBackAndResyncs(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	local := models.NewParticipant("P2", models.GroupA, "ABCDEF", models.MissionsConfig{}, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	local.UserStatsPoints = 250
	if err := e.cache.PutParticipant(ctx, local); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	e.failGets.Store(true)
	got, err := e.mgr.LoadUserProgress(ctx, "P2")
	if err != nil {
		t.Fatalf("LoadUserProgress: %v", err)
	}
	if got.UserStatsPoints != 250 || got.SharingCode != "ABCDEF" {
		t.Errorf("fallback returned %+v", got)
	}

	// Close waits for the background push.
	e.mgr.Close()
	stored, err := e.sync.Participants.GetByCode(ctx, "P2")
	if err != nil {
		t.Fatalf("server record after resync: %v", err)
	}
	if stored.UserStatsPoints != 250 || stored.GroupAssignment != models.GroupA {
		t.Errorf("server record = %+v", stored)
	}
}

func TestLoad_OfflineWithNoCopy(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()
	e.srv.Close()

	p, err := e.mgr.LoadUserProgress(ctx, "P3")
	if err != nil {
		t.Fatalf("LoadUserProgress: %v", err)
	}
	if p.ParticipantCode != "P3" || p.SessionCount != 1 || !models.ValidGroup(p.GroupAssignment) {
		t.Errorf("default record = %+v", p)
	}
	if _, ok, _ := e.cache.GetParticipant(ctx, "P3"); !ok {
		t.Error("default record not cached locally")
	}
}

func TestLoad_OfflineLeavesServerRecordAlone(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	seeded, err := e.sync.Merge(ctx, "PX", map[string]any{
		"group_assignment":      models.GroupControl,
		"mission0_completed":    true,
		"user_stats_points":     300,
		"current_progress_step": models.StepIntro,
	})
	if err != nil {
		t.Fatalf("seed server: %v", err)
	}

	e.failGets.Store(true)
	local, err := e.mgr.LoadUserProgress(ctx, "PX")
	if err != nil {
		t.Fatalf("LoadUserProgress: %v", err)
	}
	if local.UserStatsPoints != 0 {
		t.Errorf("offline default = %+v", local)
	}
	local.TotalTimeSpent = 5
	if err := e.mgr.SaveProgress(ctx, "PX", local); err != nil {
		t.Fatalf("SaveProgress: %v", err)
	}
	e.mgr.Close()

	stored, err := e.sync.Participants.GetByCode(ctx, "PX")
	if err != nil {
		t.Fatalf("server record: %v", err)
	}
	if stored.GroupAssignment != seeded.GroupAssignment ||
		stored.SharingCode != seeded.SharingCode ||
		!stored.Mission0Completed ||
		stored.UserStatsPoints != 300 ||
		stored.CurrentProgressStep != models.StepIntro ||
		stored.TotalTimeSpent != 0 {
		t.Errorf("server record changed while offline:\n got %+v\nwant %+v", stored, seeded)
	}

	e.failGets.Store(false)
	back, err := e.mgr.LoadUserProgress(ctx, "PX")
	if err != nil {
		t.Fatalf("LoadUserProgress online: %v", err)
	}
	if back.UserStatsPoints != 300 || back.SharingCode != seeded.SharingCode || back.GroupAssignment != models.GroupControl {
		t.Errorf("online load did not adopt the server record: %+v", back)
	}
	cached, _, _ := e.cache.GetParticipant(ctx, "PX")
	if cached.UserStatsPoints != 300 {
		t.Errorf("local cache kept the offline default: %+v", cached)
	}
	if on, _ := e.cache.IsProvisional(ctx, "PX"); on {
		t.Error("PX still marked provisional after adoption")
	}
}

func TestLoad_OfflineNewParticipantCarriesProgress(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	e.failGets.Store(true)
	p, err := e.mgr.LoadUserProgress(ctx, "N1")
	if err != nil {
		t.Fatalf("LoadUserProgress: %v", err)
	}
	p.TotalTimeSpent = 42
	if err := e.mgr.SaveProgress(ctx, "N1", p); err != nil {
		t.Fatalf("SaveProgress: %v", err)
	}
	e.mgr.Close()
	if _, err := e.sync.Participants.GetByCode(ctx, "N1"); err == nil {
		t.Fatal("offline default reached the server")
	}

	e.failGets.Store(false)
	got, err := e.mgr.LoadUserProgress(ctx, "N1")
	if err != nil {
		t.Fatalf("LoadUserProgress online: %v", err)
	}
	stored, err := e.sync.Participants.GetByCode(ctx, "N1")
	if err != nil {
		t.Fatalf("server record: %v", err)
	}
	if stored.TotalTimeSpent != 42 || got.TotalTimeSpent != 42 {
		t.Errorf("local progress not carried: server %v, loaded %v", stored.TotalTimeSpent, got.TotalTimeSpent)
	}
	if got.GroupAssignment != stored.GroupAssignment || got.SharingCode != stored.SharingCode {
		t.Errorf("loaded %s/%s, server %s/%s", got.GroupAssignment, got.SharingCode, stored.GroupAssignment, stored.SharingCode)
	}
}

func TestSave_OfflineKeepsLocal(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	p, err := e.mgr.LoadUserProgress(ctx, "P4")
	if err != nil {
		t.Fatalf("LoadUserProgress: %v", err)
	}
	e.srv.Close()

	p.TotalTimeSpent = 42
	if err := e.mgr.SaveProgress(ctx, "P4", p); err != nil {
		t.Fatalf("SaveProgress offline: %v", err)
	}
	cached, _, _ := e.cache.GetParticipant(ctx, "P4")
	if cached.TotalTimeSpent != 42 {
		t.Errorf("cached total_time_spent = %v", cached.TotalTimeSpent)
	}
	if err := e.mgr.SaveProgress(ctx, "", p); err != datamanager.ErrNoCode {
		t.Errorf("blank code err = %v", err)
	}
}

func TestUnlockForAll_RefreshesMirror(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()
	for _, code := range []string{"U1", "U2"} {
		if _, err := e.mgr.LoadUserProgress(ctx, code); err != nil {
			t.Fatalf("load %s: %v", code, err)
		}
	}

	upd, err := e.mgr.UnlockMissionForAll(ctx, 1)
	if err != nil {
		t.Fatalf("UnlockMissionForAll: %v", err)
	}
	if upd.MatchedCount != 2 {
		t.Errorf("matched = %d", upd.MatchedCount)
	}

	all, err := e.cache.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	for _, code := range []string{"U1", "U2"} {
		if !all[code].Mission1Unlocked {
			t.Errorf("%s mission1 not unlocked in mirror", code)
		}
	}

	if _, err := e.mgr.UnlockMissionForAll(ctx, 9); err == nil {
		t.Error("out of range mission should fail")
	}
}

func TestSave_KeepsAdminOwnedFields(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	stale, err := e.mgr.LoadUserProgress(ctx, "K1")
	if err != nil {
		t.Fatalf("LoadUserProgress: %v", err)
	}
	if _, err := e.sync.SetMissionForAll(ctx, 2, true); err != nil {
		t.Fatalf("SetMissionForAll: %v", err)
	}

	stale.TotalTimeSpent = 15
	if err := e.mgr.SaveProgress(ctx, "K1", stale); err != nil {
		t.Fatalf("SaveProgress: %v", err)
	}
	stored, err := e.sync.Participants.GetByCode(ctx, "K1")
	if err != nil {
		t.Fatalf("GetByCode: %v", err)
	}
	if !stored.Mission2Unlocked {
		t.Error("stale save relocked mission 2")
	}
	if stored.TotalTimeSpent != 15 {
		t.Errorf("total_time_spent = %v", stored.TotalTimeSpent)
	}
}

func TestExport_UsesMirror(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()
	for _, code := range []string{"E2", "E1"} {
		if _, err := e.mgr.LoadUserProgress(ctx, code); err != nil {
			t.Fatalf("load %s: %v", code, err)
		}
	}
	e.srv.Close()

	var buf bytes.Buffer
	if err := e.mgr.ExportAllParticipantsCSV(ctx, &buf); err != nil {
		t.Fatalf("ExportAllParticipantsCSV: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 || strings.Join(rows[0], ",") != strings.Join(export.Columns, ",") {
		t.Fatalf("rows = %v", rows)
	}
	if rows[1][0] != "E1" || rows[2][0] != "E2" {
		t.Errorf("rows not sorted by code: %v / %v", rows[1][0], rows[2][0])
	}

	buf.Reset()
	if err := e.mgr.ExportAllParticipantsXLSX(ctx, &buf); err != nil {
		t.Fatalf("ExportAllParticipantsXLSX: %v", err)
	}
	if buf.Len() == 0 {
		t.Error("empty workbook")
	}
}

func TestAwardSection_Once(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	added, err := e.mgr.AwardSection(ctx, "A1", "intro-quiz", 150)
	if err != nil || !added {
		t.Fatalf("first award = %v, %v", added, err)
	}
	added, err = e.mgr.AwardSection(ctx, "A1", "intro-quiz", 150)
	if err != nil || added {
		t.Fatalf("repeat award = %v, %v", added, err)
	}

	p, _ := e.mgr.LoadUserProgress(ctx, "A1")
	if p.UserStatsPoints != 150 || p.UserStatsLevel != 2 || len(p.CompletedSections) != 1 {
		t.Errorf("after award: points=%d level=%d sections=%v", p.UserStatsPoints, p.UserStatsLevel, p.CompletedSections)
	}
}

func TestStartSession(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	referrer, err := e.mgr.LoadUserProgress(ctx, "R1")
	if err != nil {
		t.Fatalf("load referrer: %v", err)
	}

	p, err := e.mgr.StartSession(ctx, "S1", strings.ToLower(referrer.SharingCode))
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if p.UsedReferralCode == nil || *p.UsedReferralCode != referrer.SharingCode {
		t.Errorf("used_referral_code = %v", p.UsedReferralCode)
	}
	if p.SessionCount != 1 {
		t.Errorf("first session count = %d", p.SessionCount)
	}
	if sess, ok, _ := e.cache.GetSession(ctx); !ok || sess.ParticipantCode != "S1" || sess.PendingReferral != "" {
		t.Errorf("session = %+v, %v", sess, ok)
	}

	e.mgr.Invalidate("S1")
	p, err = e.mgr.StartSession(ctx, "S1", "ZZZZZZ")
	if err != nil {
		t.Fatalf("second StartSession: %v", err)
	}
	if p.SessionCount != 2 {
		t.Errorf("returning session count = %d", p.SessionCount)
	}
	if *p.UsedReferralCode != referrer.SharingCode {
		t.Errorf("referral overwritten: %v", *p.UsedReferralCode)
	}

	all, err := e.mgr.RefreshAllParticipants(ctx)
	if err != nil {
		t.Fatalf("RefreshAllParticipants: %v", err)
	}
	if all["R1"].ReferralsCount != 1 {
		t.Errorf("referrer credited %d times", all["R1"].ReferralsCount)
	}
}

func TestIsAdmin(t *testing.T) {
	e := newEnv(t)
	if !e.mgr.IsAdmin(adminCode) || e.mgr.IsAdmin("P1") || e.mgr.IsAdmin("") {
		t.Error("IsAdmin mismatch")
	}
}

func TestGeneratePersistentSharingCode(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()
	other, err := e.mgr.LoadUserProgress(ctx, "G1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	sc, err := e.mgr.GeneratePersistentSharingCode(ctx, "G2")
	if err != nil {
		t.Fatalf("GeneratePersistentSharingCode: %v", err)
	}
	if len(sc) != 6 || sc == other.SharingCode {
		t.Errorf("sharing code %q (other %q)", sc, other.SharingCode)
	}
}
