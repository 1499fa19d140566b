package tax

import (
	"github.com/smallbiznis/postbill/internal/tax/repository"
	"github.com/smallbiznis/postbill/internal/tax/service"
	"go.uber.org/fx"
)

var Module = fx.Module("tax.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewResolver),
)
