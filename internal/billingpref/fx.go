package billingpref

import (
	"github.com/smallbiznis/postbill/internal/billingpref/domain"
	"github.com/smallbiznis/postbill/internal/billingpref/service"
	"github.com/smallbiznis/postbill/pkg/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("billingpref.service",
	fx.Provide(repository.ProvideStore[domain.BillingPreference]),
	fx.Provide(service.NewService),
)
