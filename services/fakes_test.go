package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"stake-settlement/chain"
	"stake-settlement/models"
)

// memStore is an in-memory LedgerStore. RunTransaction restores the prior
// state when fn fails.
type memStore struct {
	mu sync.Mutex

	challenges     map[string]models.Challenge
	participations map[string]models.Participation
	submissions    map[string]models.Submission
	entries        []models.LedgerEntry
	wallets        map[string]models.EscrowWallet
	runs           map[string]models.SettlementRun
	attempts       map[string]models.PayoutAttempt
	profiles       map[string]models.ParticipantProfile

	lockBusy  bool
	failWrite error
	runErr    error
	clock     func() time.Time
}

func newMemStore() *memStore {
	return &memStore{
		challenges:     map[string]models.Challenge{},
		participations: map[string]models.Participation{},
		submissions:    map[string]models.Submission{},
		wallets:        map[string]models.EscrowWallet{},
		runs:           map[string]models.SettlementRun{},
		attempts:       map[string]models.PayoutAttempt{},
		profiles:       map[string]models.ParticipantProfile{},
		clock:          time.Now,
	}
}

type memSnapshot struct {
	challenges     map[string]models.Challenge
	participations map[string]models.Participation
	submissions    map[string]models.Submission
	entries        []models.LedgerEntry
	wallets        map[string]models.EscrowWallet
	runs           map[string]models.SettlementRun
	attempts       map[string]models.PayoutAttempt
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *memStore) snapshot() memSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memSnapshot{
		challenges:     cloneMap(s.challenges),
		participations: cloneMap(s.participations),
		submissions:    cloneMap(s.submissions),
		entries:        append([]models.LedgerEntry(nil), s.entries...),
		wallets:        cloneMap(s.wallets),
		runs:           cloneMap(s.runs),
		attempts:       cloneMap(s.attempts),
	}
}

func (s *memStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges = snap.challenges
	s.participations = snap.participations
	s.submissions = snap.submissions
	s.entries = snap.entries
	s.wallets = snap.wallets
	s.runs = snap.runs
	s.attempts = snap.attempts
}

func (s *memStore) RunTransaction(ctx context.Context, fn func(tx LedgerStore) error) error {
	snap := s.snapshot()
	if err := fn(s); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *memStore) LockChallengeSettlement(ctx context.Context, challengeID string) (bool, error) {
	return !s.lockBusy, nil
}

func (s *memStore) GetChallenge(ctx context.Context, id string) (*models.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[id]
	if !ok {
		return nil, ErrChallengeNotFound
	}
	return &c, nil
}

func (s *memStore) CreateChallenge(ctx context.Context, c *models.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	s.challenges[c.ID] = *c
	return nil
}

func (s *memStore) SetEscrowAddress(ctx context.Context, challengeID, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[challengeID]
	if !ok {
		return ErrChallengeNotFound
	}
	c.EscrowAddress = &address
	s.challenges[challengeID] = c
	return nil
}

func (s *memStore) ListEscrowChallenges(ctx context.Context, endedAfter time.Time) ([]models.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Challenge
	for _, c := range s.challenges {
		if c.EscrowAddress != nil && !c.EndDate.Before(endedAfter) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memStore) AddChallengeStake(ctx context.Context, challengeID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[challengeID]
	if !ok {
		return ErrChallengeNotFound
	}
	c.Participants++
	c.TotalPrizePool = c.TotalPrizePool.Add(amount)
	s.challenges[challengeID] = c
	return nil
}

func (s *memStore) FindParticipantsByChallenge(ctx context.Context, challengeID string) ([]models.Participation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Participation
	for _, p := range s.participations {
		if p.ChallengeID == challengeID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *memStore) GetParticipation(ctx context.Context, userID, challengeID string) (*models.Participation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.participations {
		if p.UserID == userID && p.ChallengeID == challengeID {
			return &p, nil
		}
	}
	return nil, ErrParticipationNotFound
}

func (s *memStore) CreateParticipation(ctx context.Context, p *models.Participation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.participations {
		if existing.UserID == p.UserID && existing.ChallengeID == p.ChallengeID {
			return ErrAlreadyJoined
		}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	s.participations[p.ID] = *p
	return nil
}

func (s *memStore) UpdateParticipation(ctx context.Context, p *models.Participation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite != nil {
		return s.failWrite
	}
	s.participations[p.ID] = *p
	return nil
}

func (s *memStore) FindApprovedSubmissions(ctx context.Context, participationID string) ([]models.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Submission
	for _, sub := range s.submissions {
		if sub.ParticipationID == participationID && sub.Status == models.SubmissionApproved {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *memStore) GetSubmission(ctx context.Context, id string) (*models.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[id]
	if !ok {
		return nil, ErrSubmissionNotFound
	}
	return &sub, nil
}

func (s *memStore) CreateSubmission(ctx context.Context, sub *models.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.submissions {
		if existing.ParticipationID == sub.ParticipationID && existing.SubmissionDate.Equal(sub.SubmissionDate) {
			return ErrDuplicateSubmission
		}
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	s.submissions[sub.ID] = *sub
	return nil
}

func (s *memStore) UpdateSubmission(ctx context.Context, sub *models.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submissions[sub.ID] = *sub
	return nil
}

func (s *memStore) AppendLedgerEntry(ctx context.Context, e *models.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite != nil {
		return s.failWrite
	}
	for _, existing := range s.entries {
		if e.ExternalReceiptID != nil && existing.ExternalReceiptID != nil && *e.ExternalReceiptID == *existing.ExternalReceiptID {
			return errors.New("duplicate receipt")
		}
		if e.IdempotencyKey != nil && existing.IdempotencyKey != nil && *e.IdempotencyKey == *existing.IdempotencyKey {
			return errors.New("duplicate idempotency key")
		}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = s.clock()
	s.entries = append(s.entries, *e)
	return nil
}

func (s *memStore) FindStakeEntry(ctx context.Context, userID, challengeID string) (*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.UserID == userID && e.ChallengeID == challengeID && e.Kind == models.LedgerStake && e.Amount.IsPositive() {
			return &e, nil
		}
	}
	return nil, ErrStakeEntryNotFound
}

func (s *memStore) FindEntryByReceipt(ctx context.Context, receipt string) (*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ExternalReceiptID != nil && *e.ExternalReceiptID == receipt {
			return &e, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memStore) FindEntryByIdempotencyKey(ctx context.Context, key string) (*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.IdempotencyKey != nil && *e.IdempotencyKey == key {
			return &e, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memStore) LatestPayoutEntry(ctx context.Context, userID, challengeID string) (*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.LedgerEntry
	for i := range s.entries {
		e := s.entries[i]
		if e.UserID != userID || e.ChallengeID != challengeID || e.Status != models.LedgerCompleted {
			continue
		}
		if e.Kind != models.LedgerReward && e.Kind != models.LedgerRefund {
			continue
		}
		if latest == nil || !e.Timestamp.Before(latest.Timestamp) {
			latest = &e
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (s *memStore) ListEntriesSince(ctx context.Context, userID string, since time.Time) ([]models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range s.entries {
		if e.UserID == userID && e.CreatedAt.After(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) GetEscrowWallet(ctx context.Context, challengeID string) (*models.EscrowWallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[challengeID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return &w, nil
}

func (s *memStore) CreateEscrowWallet(ctx context.Context, w *models.EscrowWallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	s.wallets[w.ChallengeID] = *w
	return nil
}

func (s *memStore) GetSettlementRun(ctx context.Context, challengeID string) (*models.SettlementRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runErr != nil {
		return nil, s.runErr
	}
	r, ok := s.runs[challengeID]
	if !ok {
		return nil, ErrSettlementNotFound
	}
	return &r, nil
}

func (s *memStore) CreateSettlementRun(ctx context.Context, r *models.SettlementRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ChallengeID]; ok {
		return errors.New("duplicate settlement run")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	s.runs[r.ChallengeID] = *r
	return nil
}

func (s *memStore) CreatePayoutAttempt(ctx context.Context, a *models.PayoutAttempt) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attempts[a.IdempotencyKey]; ok {
		return false, nil
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = s.clock()
	a.UpdatedAt = a.CreatedAt
	s.attempts[a.IdempotencyKey] = *a
	return true, nil
}

func (s *memStore) GetPayoutAttempt(ctx context.Context, key string) (*models.PayoutAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (s *memStore) ClaimPayoutRetry(ctx context.Context, a *models.PayoutAttempt, seenAttempts int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.attempts[a.IdempotencyKey]
	if !ok || cur.Status != models.AttemptFailed || cur.Attempts != seenAttempts {
		return false, nil
	}
	cur.Status = models.AttemptPending
	cur.Attempts = seenAttempts + 1
	cur.Destination = a.Destination
	cur.Signature = nil
	cur.LastError = ""
	cur.Detail = a.Detail
	cur.UpdatedAt = s.clock()
	s.attempts[a.IdempotencyKey] = cur
	*a = cur
	return true, nil
}

func (s *memStore) UpdatePayoutAttempt(ctx context.Context, a *models.PayoutAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.UpdatedAt = s.clock()
	s.attempts[a.IdempotencyKey] = *a
	return nil
}

func (s *memStore) ListUnresolvedAttempts(ctx context.Context, olderThan time.Time, limit int) ([]models.PayoutAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PayoutAttempt
	for _, a := range s.attempts {
		if (a.Status == models.AttemptPending || a.Status == models.AttemptUnknown) && a.UpdatedAt.Before(olderThan) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) GetProfiles(ctx context.Context, userIDs []string) (map[string]models.ParticipantProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]models.ParticipantProfile{}
	for _, id := range userIDs {
		if p, ok := s.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

// entriesFor lists a user's entries of one kind.
func (s *memStore) entriesFor(userID string, kind models.LedgerEntryKind) []models.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range s.entries {
		if e.UserID == userID && e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (s *memStore) participation(userID string) models.Participation {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.participations {
		if p.UserID == userID {
			return p
		}
	}
	return models.Participation{}
}

// fakeGateway records transfers and replays scripted outcomes per
// destination.
type fakeGateway struct {
	mu sync.Mutex

	balance    decimal.Decimal
	balanceErr error
	outcomes   map[string]error
	verify     bool
	statuses   map[string]chain.TransferStatus
	statusErr  error

	transfers []chain.TransferRequest
	seq       int
}

func newFakeGateway(balance string) *fakeGateway {
	return &fakeGateway{
		balance:  decimal.RequireFromString(balance),
		outcomes: map[string]error{},
		statuses: map[string]chain.TransferStatus{},
		verify:   true,
	}
}

func (g *fakeGateway) GetBalance(ctx context.Context, escrowAddress string) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balance, g.balanceErr
}

func (g *fakeGateway) Transfer(ctx context.Context, req chain.TransferRequest) (string, error) {
	g.mu.Lock()
	g.seq++
	sig := "sig-" + req.Destination + "-" + decimal.NewFromInt(int64(g.seq)).String()
	outcome := g.outcomes[req.Destination]
	g.mu.Unlock()

	if errors.Is(outcome, chain.ErrTransferRejected) {
		return "", outcome
	}
	if req.OnSigned != nil {
		if err := req.OnSigned(sig); err != nil {
			return "", err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.transfers = append(g.transfers, req)
	if outcome != nil {
		return sig, outcome
	}
	g.balance = g.balance.Sub(req.Amount)
	return sig, nil
}

func (g *fakeGateway) VerifyInbound(ctx context.Context, signature, sender, destination string, expected decimal.Decimal) bool {
	return g.verify
}

func (g *fakeGateway) SignatureStatus(ctx context.Context, signature string) (chain.TransferStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.statusErr != nil {
		return "", g.statusErr
	}
	if st, ok := g.statuses[signature]; ok {
		return st, nil
	}
	return chain.StatusNotFound, nil
}

func (g *fakeGateway) transferCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.transfers)
}
