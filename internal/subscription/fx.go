package subscription

import (
	"github.com/smallbiznis/postbill/internal/subscription/domain"
	"github.com/smallbiznis/postbill/internal/subscription/service"
	"github.com/smallbiznis/postbill/pkg/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(repository.ProvideStore[domain.Subscription]),
	fx.Provide(service.NewService),
)
