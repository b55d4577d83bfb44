package main

import (
	"net/http"

	"github.com/bmizerany/pat"
	"github.com/justinas/alice"

	"lmsBack/internal/installments"
)

func (app *application) routes() (http.Handler, error) {
	standardMiddleware := alice.New(app.recoverPanic, app.logRequest, secureHeaders, makeResponseJSON)
	adminMiddleware := alice.New(app.adminOnly)

	mux := pat.New()

	if err := installments.RegisterInstallmentsRoutes(mux, adminMiddleware, app.installments); err != nil {
		return nil, err
	}

	return standardMiddleware.Then(mux), nil
}
