package dunning

import (
	dunningdomain "github.com/smallbiznis/postbill/internal/dunning/domain"
	"github.com/smallbiznis/postbill/internal/dunning/service"
	paymentdomain "github.com/smallbiznis/postbill/internal/payment/domain"
	"go.uber.org/fx"
)

// AsReactivator exposes dunning behind the seam payment settlement calls.
func AsReactivator(svc dunningdomain.Service) paymentdomain.Reactivator {
	return svc
}

var Module = fx.Module("dunning.service",
	fx.Provide(
		service.NewService,
		AsReactivator,
	),
)
