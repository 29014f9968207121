// Package datamanager keeps a participant's progress available to the game
// client whether or not the progress service can be reached.
//
// Reads go through an in-memory map, then the service, then the durable
// local cache. Writes land locally first and are pushed to the service on a
// best-effort basis. Every successful service read repairs the record and
// refreshes both local copies.
//
// A record created locally while the service is unreachable is provisional.
// It is never pushed over the service's copy: once the service answers, its
// record is adopted, and local progress is carried over only when the service
// has just bootstrapped the participant.
package datamanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/dalemusser/conspiracypass/internal/app/system/adminauth"
	"github.com/dalemusser/conspiracypass/internal/app/system/sharingcode"
	"github.com/dalemusser/conspiracypass/internal/client/export"
	"github.com/dalemusser/conspiracypass/internal/client/localcache"
	"github.com/dalemusser/conspiracypass/internal/client/remote"
	"github.com/dalemusser/conspiracypass/internal/domain/models"
	"go.uber.org/zap"
)

// ErrNoCode is returned when an operation is called with a blank code.
var ErrNoCode = errors.New("datamanager: participant code is required")

// resyncTimeout bounds one background resync attempt.
const resyncTimeout = 15 * time.Second

// pointsPerLevel is the points needed for each user_stats_level step.
const pointsPerLevel = 100

// Remote is the subset of the progress client the manager uses.
type Remote interface {
	GetProgress(ctx context.Context, code string) (models.Participant, error)
	GetAllProgress(ctx context.Context) (map[string]models.Participant, error)
	PutProgress(ctx context.Context, code string, patch any) (models.Participant, error)
	SetMission(ctx context.Context, n int, unlocked bool, adminCode string) (models.MissionUpdate, error)
}

var _ Remote = (*remote.Client)(nil)

// Config holds Manager settings.
type Config struct {
	AdminCode string
	Logger    *zap.Logger

	// Now and Rand default to the wall clock and math/rand.
	Now  func() time.Time
	Rand func() float64
}

// Manager is the client-side progress cache.
type Manager struct {
	remote Remote
	cache  *localcache.Cache
	auth   *adminauth.Authorizer
	admin  string
	log    *zap.Logger
	now    func() time.Time
	rand   func() float64

	mu  sync.RWMutex
	mem map[string]models.Participant

	resyncMu    sync.Mutex
	pending     map[string]bool
	provisional map[string]bool
	wg          sync.WaitGroup
}

// New returns a Manager over r and cache.
func New(r Remote, cache *localcache.Cache, cfg Config) *Manager {
	m := &Manager{
		remote:      r,
		cache:       cache,
		auth:        adminauth.New(cfg.AdminCode, nil, 0),
		admin:       cfg.AdminCode,
		log:         cfg.Logger,
		now:         cfg.Now,
		rand:        cfg.Rand,
		mem:         map[string]models.Participant{},
		pending:     map[string]bool{},
		provisional: map[string]bool{},
	}
	if m.admin == "" {
		m.admin = adminauth.DefaultCode
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	if m.rand == nil {
		m.rand = rand.Float64
	}
	return m
}

// LoadUserProgress returns the record for code.
//
// A record is always returned for a non-blank code: when the service cannot
// be reached the durable local copy is used and a resync is queued, and when
// no copy exists anywhere a provisional default record is created locally.
func (m *Manager) LoadUserProgress(ctx context.Context, code string) (models.Participant, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return models.Participant{}, ErrNoCode
	}

	if p, ok := m.memGet(code); ok && !m.isProvisional(code) {
		return p, nil
	}
	if on, err := m.cache.IsProvisional(ctx, code); err != nil {
		m.log.Warn("local cache read failed", zap.String("code", code), zap.Error(err))
	} else if on {
		m.markProvisional(code, true)
	}

	p, err := m.remote.GetProgress(ctx, code)
	if err == nil {
		if m.isProvisional(code) {
			return m.adopt(ctx, code, p).Clone(), nil
		}
		p = m.repair(ctx, code, p)
		m.storeLocal(ctx, p)
		return p.Clone(), nil
	}
	m.log.Warn("remote progress load failed; using local copy", zap.String("code", code), zap.Error(err))

	if local, ok, lerr := m.cache.GetParticipant(ctx, code); lerr != nil {
		m.log.Warn("local cache read failed", zap.String("code", code), zap.Error(lerr))
	} else if ok {
		local = m.repair(ctx, code, local)
		m.memPut(local)
		m.queueResync(code)
		return local.Clone(), nil
	}

	fresh := m.newParticipant(ctx, code)
	m.setProvisional(ctx, code, true)
	m.storeLocal(ctx, fresh)
	m.queueResync(code)
	return fresh.Clone(), nil
}

// SaveProgress writes p locally and pushes it to the service. Only a blank
// code is an error; service and local-cache failures are logged.
func (m *Manager) SaveProgress(ctx context.Context, code string, p models.Participant) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrNoCode
	}
	p = p.Clone()
	p.ParticipantCode = code
	p.TimestampLastUpdate = m.now()
	m.storeLocal(ctx, p)

	if m.isProvisional(code) {
		m.queueResync(code)
		return nil
	}
	saved, err := m.push(ctx, code, p)
	if err != nil {
		m.log.Warn("remote progress save failed; kept locally", zap.String("code", code), zap.Error(err))
		return nil
	}
	m.storeLocal(ctx, m.repair(ctx, code, saved))
	return nil
}

// UnlockMissionForAll unlocks mission n for every participant.
func (m *Manager) UnlockMissionForAll(ctx context.Context, n int) (models.MissionUpdate, error) {
	return m.setMission(ctx, n, true)
}

// LockMissionForAll locks mission n for every participant.
func (m *Manager) LockMissionForAll(ctx context.Context, n int) (models.MissionUpdate, error) {
	return m.setMission(ctx, n, false)
}

func (m *Manager) setMission(ctx context.Context, n int, unlocked bool) (models.MissionUpdate, error) {
	upd, err := m.remote.SetMission(ctx, n, unlocked, m.admin)
	if err != nil {
		return models.MissionUpdate{}, fmt.Errorf("set mission %d: %w", n, err)
	}
	if _, err := m.RefreshAllParticipants(ctx); err != nil {
		return upd, fmt.Errorf("mission %d updated but refresh failed: %w", n, err)
	}
	m.cache.Notify(ctx, localcache.Change{Key: localcache.AllParticipantsKey})
	return upd, nil
}

// RefreshAllParticipants replaces the local mirror with the service's records.
func (m *Manager) RefreshAllParticipants(ctx context.Context) (map[string]models.Participant, error) {
	all, err := m.remote.GetAllProgress(ctx)
	if err != nil {
		return nil, err
	}
	for code, p := range all {
		all[code] = m.repairNoLookup(code, p)
	}
	if err := m.cache.ReplaceAll(ctx, all); err != nil {
		m.log.Warn("local mirror refresh failed", zap.Error(err))
	}
	m.mu.Lock()
	for code, p := range all {
		m.mem[code] = p.Clone()
	}
	m.mu.Unlock()
	for code := range all {
		if m.isProvisional(code) {
			m.setProvisional(ctx, code, false)
		}
	}
	return all, nil
}

// GeneratePersistentSharingCode returns a sharing code not used by any other
// participant in the local mirror.
func (m *Manager) GeneratePersistentSharingCode(ctx context.Context, code string) (string, error) {
	taken := m.takenCodes(ctx, code)
	return sharingcode.Generate(ctx, code, m.now(), func(_ context.Context, c string) (bool, error) {
		return taken[c], nil
	})
}

// ExportAllParticipantsCSV writes the local mirror as CSV. It makes no
// service calls.
func (m *Manager) ExportAllParticipantsCSV(ctx context.Context, w io.Writer) error {
	all, err := m.mirror(ctx)
	if err != nil {
		return err
	}
	return export.CSV(w, export.Sorted(all))
}

// ExportAllParticipantsXLSX writes the local mirror as an XLSX workbook.
func (m *Manager) ExportAllParticipantsXLSX(ctx context.Context, w io.Writer) error {
	all, err := m.mirror(ctx)
	if err != nil {
		return err
	}
	return export.XLSX(w, export.Sorted(all))
}

// IsAdmin reports whether code is the admin code.
func (m *Manager) IsAdmin(code string) bool {
	return m.auth.IsAdmin(code)
}

// AwardSection records sectionID as completed and adds points, once. It
// reports whether the award was new.
func (m *Manager) AwardSection(ctx context.Context, code, sectionID string, points int) (bool, error) {
	if strings.TrimSpace(sectionID) == "" {
		return false, errors.New("datamanager: section id is required")
	}
	p, err := m.LoadUserProgress(ctx, code)
	if err != nil {
		return false, err
	}
	if p.HasCompletedSection(sectionID) {
		return false, nil
	}
	p.CompletedSections = append(p.CompletedSections, sectionID)
	p.UserStatsPoints += points
	p.UserStatsLevel = 1 + p.UserStatsPoints/pointsPerLevel
	return true, m.SaveProgress(ctx, code, p)
}

// StartSession makes code the active participant. A referral code captured
// before the record existed is applied once; session_count grows for
// returning participants.
func (m *Manager) StartSession(ctx context.Context, code, referral string) (models.Participant, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return models.Participant{}, ErrNoCode
	}
	sess := localcache.Session{ParticipantCode: code, PendingReferral: strings.ToUpper(strings.TrimSpace(referral)), StartedAt: m.now()}
	if err := m.cache.PutSession(ctx, sess); err != nil {
		m.log.Warn("session write failed", zap.String("code", code), zap.Error(err))
	}

	p, err := m.LoadUserProgress(ctx, code)
	if err != nil {
		return models.Participant{}, err
	}

	changed := false
	if !p.TimestampLastUpdate.Equal(p.CreatedAt) {
		p.SessionCount++
		changed = true
	}
	if ref := sess.PendingReferral; ref != "" && p.UsedReferralCode == nil && ref != p.SharingCode {
		p.UsedReferralCode = &ref
		changed = true
	}
	if changed {
		if err := m.SaveProgress(ctx, code, p); err != nil {
			return models.Participant{}, err
		}
		p, _ = m.memGet(code)
	}
	if sess.PendingReferral != "" {
		sess.PendingReferral = ""
		if err := m.cache.PutSession(ctx, sess); err != nil {
			m.log.Warn("session write failed", zap.String("code", code), zap.Error(err))
		}
	}
	return p, nil
}

// Invalidate drops code from the in-memory map so the next load asks the service.
func (m *Manager) Invalidate(code string) {
	m.mu.Lock()
	delete(m.mem, code)
	m.mu.Unlock()
}

// Close waits for queued resyncs to finish.
func (m *Manager) Close() {
	m.wg.Wait()
}

// queueResync reconciles the local copy of code with the service once in the
// background. A provisional copy is settled by adopt; any other copy is
// pushed. Only one resync per code runs at a time.
func (m *Manager) queueResync(code string) {
	m.resyncMu.Lock()
	if m.pending[code] {
		m.resyncMu.Unlock()
		return
	}
	m.pending[code] = true
	m.resyncMu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.resyncMu.Lock()
			delete(m.pending, code)
			m.resyncMu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
		defer cancel()

		if m.isProvisional(code) {
			p, err := m.remote.GetProgress(ctx, code)
			if err != nil {
				m.log.Warn("background resync failed", zap.String("code", code), zap.Error(err))
				return
			}
			m.adopt(ctx, code, p)
			m.log.Info("background resync complete", zap.String("code", code))
			return
		}

		local, ok := m.memGet(code)
		if !ok {
			return
		}
		saved, err := m.push(ctx, code, local)
		if err != nil {
			m.log.Warn("background resync failed", zap.String("code", code), zap.Error(err))
			return
		}
		m.storeLocal(ctx, m.repair(ctx, code, saved))
		m.log.Info("background resync complete", zap.String("code", code))
	}()
}

// adopt settles the provisional copy of code against server, the service's
// record. The service's record wins unless it holds no progress and the local
// copy was saved since it was created; then the local progress is pushed
// onto it.
func (m *Manager) adopt(ctx context.Context, code string, server models.Participant) models.Participant {
	local, ok := m.memGet(code)
	if !ok {
		if cached, found, err := m.cache.GetParticipant(ctx, code); err == nil && found {
			local, ok = cached, true
		}
	}
	if ok && unplayed(server) && !untouched(local) {
		local.GroupAssignment = server.GroupAssignment
		local.SharingCode = server.SharingCode
		saved, err := m.push(ctx, code, local)
		if err != nil {
			m.log.Warn("could not carry local progress to new record", zap.String("code", code), zap.Error(err))
			return local
		}
		server = saved
	}
	m.setProvisional(ctx, code, false)
	server = m.repair(ctx, code, server)
	m.storeLocal(ctx, server)
	return server
}

// untouched reports whether p has never been saved since it was created.
func untouched(p models.Participant) bool {
	return p.TimestampLastUpdate.Equal(p.CreatedAt)
}

// unplayed reports whether p carries nothing beyond a default record.
func unplayed(p models.Participant) bool {
	if p.UserStatsPoints != 0 || p.TotalTimeSpent != 0 || len(p.CompletedSections) > 0 || len(p.Responses) > 0 {
		return false
	}
	if p.CurrentProgressStep != "" && p.CurrentProgressStep != models.StepInstruction {
		return false
	}
	for n := 0; n < models.MissionCount; n++ {
		if p.MissionCompleted(n) {
			return false
		}
	}
	return true
}

func (m *Manager) isProvisional(code string) bool {
	m.resyncMu.Lock()
	defer m.resyncMu.Unlock()
	return m.provisional[code]
}

// setProvisional records the provisional state of code in memory and in the
// durable cache.
func (m *Manager) setProvisional(ctx context.Context, code string, on bool) {
	m.markProvisional(code, on)
	if err := m.cache.SetProvisional(ctx, code, on); err != nil {
		m.log.Warn("local cache write failed", zap.String("code", code), zap.Error(err))
	}
}

func (m *Manager) markProvisional(code string, on bool) {
	m.resyncMu.Lock()
	if on {
		m.provisional[code] = true
	} else {
		delete(m.provisional, code)
	}
	m.resyncMu.Unlock()
}

// push sends p to the service without the fields the service or an admin
// owns. Mission unlocked flags change only through the lock/unlock fan-out,
// so a stale local copy must not overwrite them.
func (m *Manager) push(ctx context.Context, code string, p models.Participant) (models.Participant, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return models.Participant{}, err
	}
	var patch map[string]any
	if err := json.Unmarshal(raw, &patch); err != nil {
		return models.Participant{}, err
	}
	for _, k := range []string{"_id", "participant_code", "createdAt", "updatedAt", "referrals_count"} {
		delete(patch, k)
	}
	for n := 0; n < models.MissionCount; n++ {
		delete(patch, models.MissionUnlockedKey(n))
	}
	return m.remote.PutProgress(ctx, code, patch)
}

// repair makes a record usable: the code matches, the group is valid, a
// sharing code exists, and bookkeeping defaults are filled.
func (m *Manager) repair(ctx context.Context, code string, p models.Participant) models.Participant {
	p = m.repairNoLookup(code, p)
	if !sharingcode.Valid(p.SharingCode) {
		sc, err := m.GeneratePersistentSharingCode(ctx, code)
		if err != nil {
			m.log.Warn("sharing code repair failed", zap.String("code", code), zap.Error(err))
		} else {
			p.SharingCode = sc
		}
	}
	return p
}

func (m *Manager) repairNoLookup(code string, p models.Participant) models.Participant {
	p.ParticipantCode = code
	if !models.ValidGroup(p.GroupAssignment) {
		p.GroupAssignment = models.DrawGroup(m.rand())
	}
	if p.SharingCode == "" {
		p.SharingCode = sharingcode.Derive(code, 0)
	}
	p.FillDefaults(m.now())
	return p
}

func (m *Manager) newParticipant(ctx context.Context, code string) models.Participant {
	now := m.now()
	sc, err := m.GeneratePersistentSharingCode(ctx, code)
	if err != nil {
		m.log.Warn("sharing code generation failed", zap.String("code", code), zap.Error(err))
		sc = sharingcode.Derive(code, now.UnixNano())
	}
	return models.NewParticipant(code, models.DrawGroup(m.rand()), sc, models.MissionsConfig{}, now)
}

// storeLocal writes p to memory and the durable cache.
func (m *Manager) storeLocal(ctx context.Context, p models.Participant) {
	m.memPut(p)
	if err := m.cache.PutParticipant(ctx, p); err != nil {
		m.log.Warn("local cache write failed", zap.String("code", p.ParticipantCode), zap.Error(err))
	}
}

func (m *Manager) memGet(code string) (models.Participant, bool) {
	m.mu.RLock()
	p, ok := m.mem[code]
	m.mu.RUnlock()
	if !ok {
		return models.Participant{}, false
	}
	return p.Clone(), true
}

func (m *Manager) memPut(p models.Participant) {
	c := p.Clone()
	m.mu.Lock()
	m.mem[p.ParticipantCode] = c
	m.mu.Unlock()
}

// mirror merges the durable all-participants map with in-memory records.
func (m *Manager) mirror(ctx context.Context) (map[string]models.Participant, error) {
	all, err := m.cache.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	for code, p := range m.mem {
		all[code] = p.Clone()
	}
	m.mu.RUnlock()
	return all, nil
}

func (m *Manager) takenCodes(ctx context.Context, except string) map[string]bool {
	taken := map[string]bool{}
	all, err := m.mirror(ctx)
	if err != nil {
		m.log.Warn("local mirror read failed", zap.Error(err))
		return taken
	}
	for code, p := range all {
		if code != except && p.SharingCode != "" {
			taken[p.SharingCode] = true
		}
	}
	return taken
}
