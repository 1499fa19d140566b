package invoice

import (
	"github.com/smallbiznis/postbill/internal/invoice/render"
	"github.com/smallbiznis/postbill/internal/invoice/service"
	"go.uber.org/fx"
)

var Module = fx.Module("invoice.service",
	fx.Provide(render.New),
	fx.Provide(service.NewService),
)
