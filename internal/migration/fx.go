package migration

import (
	billingdomain "github.com/smallbiznis/creditledger/internal/billing/domain"
	"github.com/smallbiznis/creditledger/internal/config"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// Non-postgres targets (local sqlite, tests) get the schema from
			// the models directly.
			return conn.AutoMigrate(
				&ledgerdomain.AccountBalance{},
				&ledgerdomain.Transaction{},
				&subscriptiondomain.Subscription{},
				&billingdomain.EventRecord{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
