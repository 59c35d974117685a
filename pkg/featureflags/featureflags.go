package featureflags

import (
	"context"

	"marketplace-settlement/pkg/config"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	// BlockPayoutsOnDebt rejects payout requests while a vendor's available
	// balance is negative from refund debt.
	BlockPayoutsOnDebt = "block_payouts_on_debt"
)

var Module = fx.Module("featureflags", fx.Provide(ProvideFeatureFlag))

type FeatureFlag interface {
	// IsEnabled evaluates flag for identifier, returning fallback when the
	// flag service is not configured or unreachable.
	IsEnabled(ctx context.Context, flag, identifier string, fallback bool) bool
}

type featureflag struct {
	client *flagsmith.Client
}

type FeatureParams struct {
	fx.In
	Config *config.Config
}

func ProvideFeatureFlag(p FeatureParams) FeatureFlag {
	if p.Config.Flagsmith.ApiKey == "" {
		return &featureflag{}
	}

	opts := []flagsmith.Option{flagsmith.WithAnalytics()}
	if p.Config.Flagsmith.Addr != "" {
		opts = append(opts, flagsmith.WithBaseURL(p.Config.Flagsmith.Addr))
	}

	return &featureflag{
		client: flagsmith.NewClient(p.Config.Flagsmith.ApiKey, opts...),
	}
}

func (s *featureflag) IsEnabled(ctx context.Context, flag, identifier string, fallback bool) bool {
	if s.client == nil {
		return fallback
	}

	flags, err := s.client.GetIdentityFlags(identifier, nil)
	if err != nil {
		zap.L().Warn("feature flag lookup failed, using fallback",
			zap.String("flag", flag),
			zap.String("identifier", identifier),
			zap.Bool("fallback", fallback),
			zap.Error(err),
		)
		return fallback
	}

	enabled, err := flags.IsFeatureEnabled(flag)
	if err != nil {
		return fallback
	}
	return enabled
}

// Static is a FeatureFlag with fixed answers, used when no flag service is wired.
type Static map[string]bool

func (s Static) IsEnabled(_ context.Context, flag, _ string, fallback bool) bool {
	if v, ok := s[flag]; ok {
		return v
	}
	return fallback
}
