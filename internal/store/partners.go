package store

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rakeback-engine/internal/model"
)

const versionCols = `partner_id, version, name, kind, rakeback_rate, priority, status, effective_from_block, created_by, created_at`

const ruleCols = `id, partner_id, rule_type, config, applies_from_block, created_by, created_at`

func (e *engine) CreatePartner(ctx context.Context, v model.PartnerVersion, rules []model.EligibilityRule, log []model.RuleChangeLogEntry) error {
	err := e.db.inTx(ctx, func(c conn) error {
		if err := insertVersion(ctx, c, v); err != nil {
			return err
		}
		for _, r := range rules {
			if err := insertRule(ctx, c, r); err != nil {
				return err
			}
		}
		for _, l := range log {
			if err := insertChangeLog(ctx, c, l); err != nil {
				return err
			}
		}
		return nil
	})
	return eris.Wrapf(err, "store: create partner %s", v.PartnerID)
}

func (e *engine) AppendPartnerVersion(ctx context.Context, v model.PartnerVersion, log model.RuleChangeLogEntry) error {
	return e.db.inTx(ctx, func(c conn) error {
		if err := insertVersion(ctx, c, v); err != nil {
			return err
		}
		return insertChangeLog(ctx, c, log)
	})
}

func (e *engine) AddRule(ctx context.Context, r model.EligibilityRule, log model.RuleChangeLogEntry) error {
	return e.db.inTx(ctx, func(c conn) error {
		var one int
		err := c.queryRow(ctx, `SELECT 1 FROM partner_versions WHERE partner_id = $1 LIMIT 1`, r.PartnerID).Scan(&one)
		if err == errNoRows {
			return model.NotFound("partner", r.PartnerID)
		}
		if err != nil {
			return eris.Wrap(err, "store: check partner")
		}
		if err := insertRule(ctx, c, r); err != nil {
			return err
		}
		return insertChangeLog(ctx, c, log)
	})
}

func insertVersion(ctx context.Context, c conn, v model.PartnerVersion) error {
	_, err := c.exec(ctx,
		`INSERT INTO partner_versions (`+versionCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		v.PartnerID, v.Version, v.Name, string(v.Kind), v.RakebackRate, v.Priority, string(v.Status),
		v.EffectiveFromBlock, v.CreatedBy, v.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return eris.Wrapf(err, "store: insert partner version %s/%d", v.PartnerID, v.Version)
}

func insertRule(ctx context.Context, c conn, r model.EligibilityRule) error {
	cfg, err := json.Marshal(r.Config)
	if err != nil {
		return eris.Wrap(err, "store: marshal rule config")
	}
	_, err = c.exec(ctx,
		`INSERT INTO eligibility_rules (`+ruleCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.PartnerID, string(r.Type()), string(cfg), r.AppliesFromBlock, r.CreatedBy, r.CreatedAt,
	)
	return eris.Wrapf(err, "store: insert rule %s", r.ID)
}

func insertChangeLog(ctx context.Context, c conn, l model.RuleChangeLogEntry) error {
	_, err := c.exec(ctx,
		`INSERT INTO rule_change_log (id, actor, action, partner_id, rule_id, before_state, after_state, effective_block, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		l.ID, l.Actor, string(l.Action), l.PartnerID, l.RuleID, l.Before, l.After, l.EffectiveBlock, l.CreatedAt,
	)
	return eris.Wrap(err, "store: insert change log")
}

func (e *engine) GetPartner(ctx context.Context, id string) (*model.Partner, error) {
	versions, err := e.queryVersions(ctx, ` WHERE partner_id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, model.NotFound("partner", id)
	}
	rules, err := e.queryRules(ctx, ` WHERE partner_id = $1`, id)
	if err != nil {
		return nil, err
	}
	p := model.PartnerFromVersions(versions, rules)
	return &p, nil
}

func (e *engine) ListPartners(ctx context.Context) ([]model.Partner, error) {
	versions, err := e.PartnerVersions(ctx)
	if err != nil {
		return nil, err
	}
	rules, err := e.Rules(ctx)
	if err != nil {
		return nil, err
	}

	byPartner := make(map[string][]model.PartnerVersion)
	var order []string
	for _, v := range versions {
		if _, ok := byPartner[v.PartnerID]; !ok {
			order = append(order, v.PartnerID)
		}
		byPartner[v.PartnerID] = append(byPartner[v.PartnerID], v)
	}
	rulesBy := make(map[string][]model.EligibilityRule)
	for _, r := range rules {
		rulesBy[r.PartnerID] = append(rulesBy[r.PartnerID], r)
	}

	partners := make([]model.Partner, 0, len(order))
	for _, id := range order {
		partners = append(partners, model.PartnerFromVersions(byPartner[id], rulesBy[id]))
	}
	return partners, nil
}

func (e *engine) PartnerVersions(ctx context.Context) ([]model.PartnerVersion, error) {
	return e.queryVersions(ctx, "")
}

func (e *engine) Rules(ctx context.Context) ([]model.EligibilityRule, error) {
	return e.queryRules(ctx, "")
}

func (e *engine) queryVersions(ctx context.Context, filter string, args ...any) ([]model.PartnerVersion, error) {
	rows, err := e.db.query(ctx,
		`SELECT `+versionCols+` FROM partner_versions`+filter+` ORDER BY partner_id, version`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list partner versions")
	}
	defer rows.Close()

	var out []model.PartnerVersion
	for rows.Next() {
		var v model.PartnerVersion
		if err := rows.Scan(&v.PartnerID, &v.Version, &v.Name, &v.Kind, &v.RakebackRate, &v.Priority,
			&v.Status, &v.EffectiveFromBlock, &v.CreatedBy, &v.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "store: scan partner version")
		}
		v.CreatedAt = v.CreatedAt.UTC()
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate partner versions")
}

func (e *engine) queryRules(ctx context.Context, filter string, args ...any) ([]model.EligibilityRule, error) {
	rows, err := e.db.query(ctx,
		`SELECT `+ruleCols+` FROM eligibility_rules`+filter+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list rules")
	}
	defer rows.Close()

	var out []model.EligibilityRule
	for rows.Next() {
		var r model.EligibilityRule
		var ruleType, cfg string
		if err := rows.Scan(&r.ID, &r.PartnerID, &ruleType, &cfg, &r.AppliesFromBlock, &r.CreatedBy, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "store: scan rule")
		}
		r.Config, err = model.DecodeRuleConfig(model.RuleType(ruleType), json.RawMessage(cfg))
		if err != nil {
			return nil, eris.Wrapf(err, "store: decode rule %s", r.ID)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate rules")
}

func (e *engine) ListChangeLog(ctx context.Context, limit int) ([]model.RuleChangeLogEntry, error) {
	rows, err := e.db.query(ctx,
		`SELECT id, actor, action, partner_id, COALESCE(rule_id, ''), COALESCE(before_state, ''), after_state, effective_block, created_at
		 FROM rule_change_log ORDER BY created_at DESC, id DESC LIMIT $1`,
		limitOr(limit, 50, 1000),
	)
	if err != nil {
		return nil, eris.Wrap(err, "store: list change log")
	}
	defer rows.Close()

	var out []model.RuleChangeLogEntry
	for rows.Next() {
		var l model.RuleChangeLogEntry
		if err := rows.Scan(&l.ID, &l.Actor, &l.Action, &l.PartnerID, &l.RuleID, &l.Before, &l.After,
			&l.EffectiveBlock, &l.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "store: scan change log")
		}
		l.CreatedAt = l.CreatedAt.UTC()
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate change log")
}
