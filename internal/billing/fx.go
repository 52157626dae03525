package billing

import (
	"github.com/smallbiznis/creditledger/internal/billing/reconciler"
	"github.com/smallbiznis/creditledger/internal/billing/repository"
	"github.com/smallbiznis/creditledger/internal/billing/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("billing.service",
	fx.Provide(repository.Provide),
	fx.Provide(reconciler.New),
	fx.Provide(webhook.New),
)
