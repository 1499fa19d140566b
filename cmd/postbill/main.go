package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/postbill/internal/audit"
	"github.com/smallbiznis/postbill/internal/billingpref"
	"github.com/smallbiznis/postbill/internal/clock"
	"github.com/smallbiznis/postbill/internal/config"
	"github.com/smallbiznis/postbill/internal/dunning"
	"github.com/smallbiznis/postbill/internal/invoice"
	"github.com/smallbiznis/postbill/internal/logger"
	"github.com/smallbiznis/postbill/internal/migration"
	"github.com/smallbiznis/postbill/internal/notification"
	"github.com/smallbiznis/postbill/internal/payment"
	"github.com/smallbiznis/postbill/internal/ratelimit"
	"github.com/smallbiznis/postbill/internal/scheduler"
	"github.com/smallbiznis/postbill/internal/server"
	"github.com/smallbiznis/postbill/internal/subscription"
	"github.com/smallbiznis/postbill/internal/tax"
	"github.com/smallbiznis/postbill/pkg/db"
	"github.com/smallbiznis/postbill/pkg/telemetry"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		telemetry.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		ratelimit.Module,

		// Functional domains
		audit.Module,
		tax.Module,
		billingpref.Module,
		subscription.Module,
		invoice.Module,
		notification.Module,
		payment.Module,
		dunning.Module,

		// Background sweeps and the HTTP surface
		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
