package rules

import (
	"context"
	"encoding/json"
	"io"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/rakeback-engine/internal/model"
)

// seedFile is the YAML layout accepted by ImportPartners.
type seedFile struct {
	Partners []seedPartner `yaml:"partners"`
}

type seedPartner struct {
	ID                 string     `yaml:"id"`
	Name               string     `yaml:"name"`
	Type               string     `yaml:"type"`
	RakebackRate       string     `yaml:"rakebackRate"`
	Priority           int        `yaml:"priority"`
	Status             string     `yaml:"status"`
	EffectiveFromBlock *int64     `yaml:"effectiveFromBlock"`
	Rules              []seedRule `yaml:"rules"`
}

type seedRule struct {
	Type             string         `yaml:"type"`
	AppliesFromBlock *int64         `yaml:"appliesFromBlock"`
	Config           map[string]any `yaml:"config"`
}

// ImportResult reports what a seed import did.
type ImportResult struct {
	Created []string `json:"created"`
	Skipped []string `json:"skipped"`
}

// ImportPartners creates the partners listed in a YAML seed file. Partners
// whose id already exists are skipped. With historical set, effective blocks
// are taken as given instead of being checked against the chain head, which
// is how an empty installation is bootstrapped with past agreements.
func (s *Service) ImportPartners(ctx context.Context, r io.Reader, actor string, historical bool) (*ImportResult, error) {
	var seed seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		if err == io.EOF {
			return &ImportResult{}, nil
		}
		return nil, model.Invalid("file", "parse yaml: %v", err)
	}

	reqs := make([]CreatePartnerRequest, 0, len(seed.Partners))
	for i, p := range seed.Partners {
		req, err := p.request()
		if err != nil {
			return nil, model.Invalid("partners["+strconv.Itoa(i)+"]", "%v", err)
		}
		reqs = append(reqs, req)
	}

	res := &ImportResult{Created: []string{}, Skipped: []string{}}
	for _, req := range reqs {
		if req.ID != "" {
			_, err := s.st.GetPartner(ctx, req.ID)
			if err == nil {
				res.Skipped = append(res.Skipped, req.ID)
				continue
			}
			if !model.IsNotFound(err) {
				return res, eris.Wrapf(err, "rules: check partner %s", req.ID)
			}
		}
		p, err := s.createPartner(ctx, req, actor, historical)
		if err != nil {
			return res, err
		}
		res.Created = append(res.Created, p.ID)
	}

	zap.L().Info("partners imported",
		zap.String("component", "rules"),
		zap.Int("created", len(res.Created)),
		zap.Int("skipped", len(res.Skipped)),
		zap.Bool("historical", historical),
	)
	return res, nil
}

func (p seedPartner) request() (CreatePartnerRequest, error) {
	rate, err := decimal.NewFromString(p.RakebackRate)
	if err != nil {
		return CreatePartnerRequest{}, eris.Errorf("rakebackRate %q is not a decimal", p.RakebackRate)
	}
	req := CreatePartnerRequest{
		ID:                 p.ID,
		Name:               p.Name,
		Type:               model.PartnerKind(p.Type),
		RakebackRate:       rate,
		Priority:           p.Priority,
		Status:             model.PartnerStatus(p.Status),
		EffectiveFromBlock: p.EffectiveFromBlock,
	}
	for _, r := range p.Rules {
		raw, err := json.Marshal(r.Config)
		if err != nil {
			return CreatePartnerRequest{}, eris.Wrap(err, "encode rule config")
		}
		req.Rules = append(req.Rules, RuleInput{
			Type:             model.RuleType(r.Type),
			Config:           raw,
			AppliesFromBlock: r.AppliesFromBlock,
		})
	}
	return req, nil
}
