package rules

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/rakeback-engine/internal/chain"
	"github.com/sells-group/rakeback-engine/internal/model"
	"github.com/sells-group/rakeback-engine/internal/monitoring"
	"github.com/sells-group/rakeback-engine/internal/resilience"
	"github.com/sells-group/rakeback-engine/internal/store"
)

// DefaultSafetyMargin is how many blocks below the chain head a new rule or
// partner version may still take effect.
const DefaultSafetyMargin int64 = 10

// RuleInput describes a rule to create.
type RuleInput struct {
	Type             model.RuleType  `json:"type"`
	Config           json.RawMessage `json:"config"`
	AppliesFromBlock *int64          `json:"appliesFromBlock"`
}

// CreatePartnerRequest describes a new partner and its initial rules.
type CreatePartnerRequest struct {
	ID                 string              `json:"id"`
	Name               string              `json:"name"`
	Type               model.PartnerKind   `json:"type"`
	RakebackRate       decimal.Decimal     `json:"rakebackRate"`
	Priority           int                 `json:"priority"`
	Status             model.PartnerStatus `json:"status"`
	EffectiveFromBlock *int64              `json:"effectiveFromBlock"`
	Rules              []RuleInput         `json:"rules"`
}

// UpdatePartnerRequest changes partner attributes. Nil fields keep their
// current value.
type UpdatePartnerRequest struct {
	Name               *string              `json:"name"`
	Type               *model.PartnerKind   `json:"type"`
	RakebackRate       *decimal.Decimal     `json:"rakebackRate"`
	Priority           *int                 `json:"priority"`
	Status             *model.PartnerStatus `json:"status"`
	EffectiveFromBlock *int64               `json:"effectiveFromBlock"`
}

// Option configures a Service.
type Option func(*Service)

// WithSafetyMargin sets how far below the head an effective block may be.
func WithSafetyMargin(blocks int64) Option {
	return func(s *Service) {
		if blocks >= 0 {
			s.margin = blocks
		}
	}
}

// WithClock sets the clock used for timestamps and the classifier cache.
func WithClock(c clockwork.Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// WithActivity records rule changes in the activity log.
func WithActivity(r *monitoring.Recorder) Option {
	return func(s *Service) {
		s.activity = r
	}
}

// WithCacheTTL sets how long Classifier reuses a snapshot. Zero disables the
// cache.
func WithCacheTTL(d time.Duration) Option {
	return func(s *Service) {
		s.ttl = d
	}
}

type snapshot struct {
	classifier *Classifier
	loadedAt   time.Time
}

// Service manages partners and rules and hands out classifier snapshots.
type Service struct {
	st       store.PartnerStore
	gw       chain.Gateway
	margin   int64
	clock    clockwork.Clock
	activity *monitoring.Recorder
	ttl      time.Duration

	cache  atomic.Pointer[snapshot]
	loadMu sync.Mutex
}

// NewService creates a rule service. gw supplies the chain head for
// effective-block checks; it may be nil for historical imports only.
func NewService(st store.PartnerStore, gw chain.Gateway, opts ...Option) *Service {
	s := &Service{
		st:     st,
		gw:     gw,
		margin: DefaultSafetyMargin,
		clock:  clockwork.NewRealClock(),
		ttl:    30 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ListPartners returns every partner with its rules.
func (s *Service) ListPartners(ctx context.Context) ([]model.Partner, error) {
	return s.st.ListPartners(ctx)
}

// GetPartner returns one partner or a NotFoundError.
func (s *Service) GetPartner(ctx context.Context, id string) (*model.Partner, error) {
	return s.st.GetPartner(ctx, id)
}

// ListChangeLog returns the most recent audit entries first.
func (s *Service) ListChangeLog(ctx context.Context, limit int) ([]model.RuleChangeLogEntry, error) {
	return s.st.ListChangeLog(ctx, limit)
}

// CreatePartner validates and stores a partner, its initial rules and their
// audit entries in one transaction.
func (s *Service) CreatePartner(ctx context.Context, req CreatePartnerRequest, actor string) (*model.Partner, error) {
	return s.createPartner(ctx, req, actor, false)
}

func (s *Service) createPartner(ctx context.Context, req CreatePartnerRequest, actor string, historical bool) (*model.Partner, error) {
	now := s.clock.Now().UTC()
	actor = actorOrDefault(actor)

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	effective, err := s.effectiveBlock(ctx, req.EffectiveFromBlock, historical)
	if err != nil {
		return nil, err
	}
	status := req.Status
	if status == "" {
		status = model.PartnerStatusActive
	}
	v := model.PartnerVersion{
		PartnerID:          id,
		Version:            1,
		Name:               strings.TrimSpace(req.Name),
		Kind:               req.Type,
		RakebackRate:       req.RakebackRate,
		Priority:           req.Priority,
		Status:             status,
		EffectiveFromBlock: effective,
		CreatedBy:          actor,
		CreatedAt:          now,
	}
	if err := v.ValidateAttributes(); err != nil {
		return nil, err
	}

	after, err := summarize(v)
	if err != nil {
		return nil, err
	}
	log := []model.RuleChangeLogEntry{{
		ID:             uuid.NewString(),
		Actor:          actor,
		Action:         model.ChangePartnerCreated,
		PartnerID:      id,
		After:          after,
		EffectiveBlock: effective,
		CreatedAt:      now,
	}}

	rules := make([]model.EligibilityRule, 0, len(req.Rules))
	for i, in := range req.Rules {
		if in.AppliesFromBlock == nil {
			in.AppliesFromBlock = &effective
		}
		r, entry, err := s.buildRule(ctx, id, in, actor, now, historical)
		if err != nil {
			var ve *model.ValidationError
			if errors.As(err, &ve) {
				ve.Field = "rules[" + strconv.Itoa(i) + "]." + ve.Field
			}
			return nil, err
		}
		rules = append(rules, r)
		log = append(log, entry)
	}

	if err := s.st.CreatePartner(ctx, v, rules, log); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, model.Invalid("id", "partner %s already exists", id)
		}
		return nil, eris.Wrap(err, "rules: create partner")
	}
	s.Invalidate()

	zap.L().Info("partner created",
		zap.String("component", "rules"),
		zap.String("partner_id", id),
		zap.Int("rules", len(rules)),
		zap.Int64("effective_from_block", effective),
	)
	s.activity.Record(ctx, model.ActivityRuleChange, "partner "+id+" created", map[string]any{
		"partnerId": id, "actor": actor, "rules": len(rules), "effectiveFromBlock": effective,
	})
	return s.st.GetPartner(ctx, id)
}

// UpdatePartner appends a new version of the partner. The change applies from
// EffectiveFromBlock, which defaults to the chain head.
func (s *Service) UpdatePartner(ctx context.Context, id string, req UpdatePartnerRequest, actor string) (*model.Partner, error) {
	now := s.clock.Now().UTC()
	actor = actorOrDefault(actor)

	cur, err := s.st.GetPartner(ctx, id)
	if err != nil {
		return nil, err
	}
	effective, err := s.effectiveBlock(ctx, req.EffectiveFromBlock, false)
	if err != nil {
		return nil, err
	}

	prev := model.PartnerVersion{
		PartnerID:          cur.ID,
		Version:            cur.Version,
		Name:               cur.Name,
		Kind:               cur.Kind,
		RakebackRate:       cur.RakebackRate,
		Priority:           cur.Priority,
		Status:             cur.Status,
		EffectiveFromBlock: cur.EffectiveFromBlock,
	}
	next := prev
	next.Version = prev.Version + 1
	next.EffectiveFromBlock = effective
	next.CreatedBy = actor
	next.CreatedAt = now
	if req.Name != nil {
		next.Name = strings.TrimSpace(*req.Name)
	}
	if req.Type != nil {
		next.Kind = *req.Type
	}
	if req.RakebackRate != nil {
		next.RakebackRate = *req.RakebackRate
	}
	if req.Priority != nil {
		next.Priority = *req.Priority
	}
	if req.Status != nil {
		next.Status = *req.Status
	}
	if err := next.ValidateAttributes(); err != nil {
		return nil, err
	}

	before, err := summarize(prev)
	if err != nil {
		return nil, err
	}
	after, err := summarize(next)
	if err != nil {
		return nil, err
	}
	entry := model.RuleChangeLogEntry{
		ID:             uuid.NewString(),
		Actor:          actor,
		Action:         model.ChangePartnerUpdated,
		PartnerID:      id,
		Before:         before,
		After:          after,
		EffectiveBlock: effective,
		CreatedAt:      now,
	}
	if err := s.st.AppendPartnerVersion(ctx, next, entry); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, model.Invalid("version", "partner %s was modified concurrently, retry", id)
		}
		return nil, eris.Wrap(err, "rules: update partner")
	}
	s.Invalidate()

	zap.L().Info("partner updated",
		zap.String("component", "rules"),
		zap.String("partner_id", id),
		zap.Int("version", next.Version),
		zap.Int64("effective_from_block", effective),
	)
	s.activity.Record(ctx, model.ActivityRuleChange, "partner "+id+" updated", map[string]any{
		"partnerId": id, "actor": actor, "version": next.Version, "effectiveFromBlock": effective,
	})
	return s.st.GetPartner(ctx, id)
}

// AddRule validates and stores one rule for an existing partner.
func (s *Service) AddRule(ctx context.Context, partnerID string, in RuleInput, actor string) (*model.EligibilityRule, error) {
	now := s.clock.Now().UTC()
	actor = actorOrDefault(actor)

	r, entry, err := s.buildRule(ctx, partnerID, in, actor, now, false)
	if err != nil {
		return nil, err
	}
	if err := s.st.AddRule(ctx, r, entry); err != nil {
		if model.IsNotFound(err) {
			return nil, err
		}
		return nil, eris.Wrap(err, "rules: add rule")
	}
	s.Invalidate()

	zap.L().Info("rule created",
		zap.String("component", "rules"),
		zap.String("partner_id", partnerID),
		zap.String("rule_id", r.ID),
		zap.String("type", string(r.Type())),
		zap.Int64("applies_from_block", r.AppliesFromBlock),
	)
	s.activity.Record(ctx, model.ActivityRuleChange, "rule added to partner "+partnerID, map[string]any{
		"partnerId": partnerID, "ruleId": r.ID, "type": r.Type(), "actor": actor, "appliesFromBlock": r.AppliesFromBlock,
	})
	return &r, nil
}

func (s *Service) buildRule(ctx context.Context, partnerID string, in RuleInput, actor string, now time.Time, historical bool) (model.EligibilityRule, model.RuleChangeLogEntry, error) {
	cfg, err := model.DecodeRuleConfig(in.Type, in.Config)
	if err != nil {
		return model.EligibilityRule{}, model.RuleChangeLogEntry{}, err
	}
	applies, err := s.effectiveBlock(ctx, in.AppliesFromBlock, historical)
	if err != nil {
		var ve *model.ValidationError
		if errors.As(err, &ve) {
			ve.Field = "appliesFromBlock"
		}
		return model.EligibilityRule{}, model.RuleChangeLogEntry{}, err
	}
	r := model.EligibilityRule{
		ID:               uuid.NewString(),
		PartnerID:        partnerID,
		Config:           cfg,
		AppliesFromBlock: applies,
		CreatedBy:        actor,
		CreatedAt:        now,
	}
	after, err := json.Marshal(r)
	if err != nil {
		return model.EligibilityRule{}, model.RuleChangeLogEntry{}, eris.Wrap(err, "rules: marshal rule")
	}
	return r, model.RuleChangeLogEntry{
		ID:             uuid.NewString(),
		Actor:          actor,
		Action:         model.ChangeRuleCreated,
		PartnerID:      partnerID,
		RuleID:         r.ID,
		After:          string(after),
		EffectiveBlock: applies,
		CreatedAt:      now,
	}, nil
}

// effectiveBlock resolves a requested effective block against the chain head.
// Nil means the head. Historical imports accept any non-negative block and
// default to zero.
func (s *Service) effectiveBlock(ctx context.Context, requested *int64, historical bool) (int64, error) {
	if requested != nil && *requested < 0 {
		return 0, model.Invalid("effectiveFromBlock", "must not be negative")
	}
	if historical {
		if requested == nil {
			return 0, nil
		}
		return *requested, nil
	}
	if s.gw == nil {
		return 0, eris.New("rules: no chain gateway to resolve the head")
	}
	head, err := resilience.RetryVal(ctx, resilience.DefaultPolicy(), s.gw.ChainHead)
	if err != nil {
		return 0, eris.Wrap(err, "rules: chain head")
	}
	if requested == nil {
		return head, nil
	}
	if floor := head - s.margin; *requested < floor {
		return 0, model.Invalid("effectiveFromBlock", "block %d is below head %d minus safety margin %d; changes apply forward only", *requested, head, s.margin)
	}
	return *requested, nil
}

// Classifier returns a snapshot of all partners and rules, reusing a cached
// one while it is younger than the cache TTL.
func (s *Service) Classifier(ctx context.Context) (*Classifier, error) {
	if snap := s.cache.Load(); snap != nil && s.ttl > 0 && s.clock.Since(snap.loadedAt) < s.ttl {
		return snap.classifier, nil
	}
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if snap := s.cache.Load(); snap != nil && s.ttl > 0 && s.clock.Since(snap.loadedAt) < s.ttl {
		return snap.classifier, nil
	}
	c, err := s.LoadClassifier(ctx)
	if err != nil {
		return nil, err
	}
	s.cache.Store(&snapshot{classifier: c, loadedAt: s.clock.Now()})
	return c, nil
}

// LoadClassifier always builds a fresh snapshot from the store.
func (s *Service) LoadClassifier(ctx context.Context) (*Classifier, error) {
	versions, err := s.st.PartnerVersions(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "rules: load partner versions")
	}
	rules, err := s.st.Rules(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "rules: load rules")
	}
	return NewClassifier(versions, rules)
}

// Invalidate drops the cached classifier.
func (s *Service) Invalidate() {
	s.cache.Store(nil)
}

type versionSummary struct {
	Name               string              `json:"name"`
	Type               model.PartnerKind   `json:"type"`
	RakebackRate       decimal.Decimal     `json:"rakebackRate"`
	Priority           int                 `json:"priority"`
	Status             model.PartnerStatus `json:"status"`
	Version            int                 `json:"version"`
	EffectiveFromBlock int64               `json:"effectiveFromBlock"`
}

func summarize(v model.PartnerVersion) (string, error) {
	b, err := json.Marshal(versionSummary{
		Name:               v.Name,
		Type:               v.Kind,
		RakebackRate:       v.RakebackRate,
		Priority:           v.Priority,
		Status:             v.Status,
		Version:            v.Version,
		EffectiveFromBlock: v.EffectiveFromBlock,
	})
	if err != nil {
		return "", eris.Wrap(err, "rules: marshal partner summary")
	}
	return string(b), nil
}

func actorOrDefault(actor string) string {
	if a := strings.TrimSpace(actor); a != "" {
		return a
	}
	return "system"
}
