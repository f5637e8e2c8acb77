// Package api implements the REST edge of the deeds services. Every reply is a JSON Response: the body holds the
// object requested and, on failure, error holds the message key of the domain error with whether the caller
// should retry and its HTTP code.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/tarancss/deeds/hub"
	"github.com/tarancss/deeds/lib/config"
	"github.com/tarancss/deeds/reconcile"
	"github.com/tarancss/deeds/reward"
)

// Defaults of the http server.
const (
	DefaultTimeout    = 15 * time.Second
	DefaultTokenRate  = 5
	DefaultTokenBurst = 20
)

// Services are the components served by the API.
type Services struct {
	Hubs    *hub.Manager
	Offers  *reconcile.Offers
	Leases  *reconcile.Leases
	Rewards *reward.Engine
}

// API serves the REST edge.
type API struct {
	svc     Services
	conf    config.APIConfig
	limiter *rate.Limiter
	router  *mux.Router

	s  *http.Server  // http server
	sc chan struct{} // closed once the server is shut down
}

// New returns the API of svc. Tokens are issued at most at conf.TokenRate per second.
func New(svc Services, conf config.APIConfig) *API {
	if conf.ReadTimeout <= 0 {
		conf.ReadTimeout = DefaultTimeout
	}

	if conf.WriteTimeout <= 0 {
		conf.WriteTimeout = DefaultTimeout
	}

	if conf.TokenRate <= 0 {
		conf.TokenRate = DefaultTokenRate
	}

	if conf.TokenBurst <= 0 {
		conf.TokenBurst = DefaultTokenBurst
	}

	a := &API{
		svc:     svc,
		conf:    conf,
		limiter: rate.NewLimiter(rate.Limit(conf.TokenRate), conf.TokenBurst),
		sc:      make(chan struct{}),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", a.healthHandler).Methods(http.MethodGet)

	s := r.PathPrefix("/api").Subrouter()
	s.HandleFunc("/authorization", a.tokenHandler).Methods(http.MethodGet)          // challenge token
	s.HandleFunc("/hubs", a.hubsHandler).Methods(http.MethodGet)                    // connected hubs
	s.HandleFunc("/hubs", a.connectHandler).Methods(http.MethodPost)                // connect a hub to WoM
	s.HandleFunc("/hubs/{address}", a.hubHandler).Methods(http.MethodGet)           // read a hub
	s.HandleFunc("/hubs/{address}", a.disconnectHandler).Methods(http.MethodDelete) // disconnect a hub
	s.HandleFunc("/offers/{id}", a.offerHandler).Methods(http.MethodGet)            // read an offer
	s.HandleFunc("/leases/{id}", a.leaseHandler).Methods(http.MethodGet)            // read a lease
	s.HandleFunc("/reports", a.reportHandler).Methods(http.MethodPost)              // save a hub report
	s.HandleFunc("/reports/{id}", a.reportGetHandler).Methods(http.MethodGet)       // read a hub report
	s.HandleFunc("/rewards/{id}", a.rewardHandler).Methods(http.MethodGet)          // read a reward
	s.HandleFunc("/rewards/{id}/transaction", a.rewardTxHandler).Methods(http.MethodPut)

	a.router = r

	return a
}

// Handler returns the router of the API.
func (a *API) Handler() http.Handler { return a.router }

// SetTokenLimits changes the rate and burst of token issuance.
func (a *API) SetTokenLimits(tokenRate float64, burst int) {
	if tokenRate > 0 {
		a.limiter.SetLimit(rate.Limit(tokenRate))
	}

	if burst > 0 {
		a.limiter.SetBurst(burst)
	}
}

// Init starts the http server on port and waits for it to be shut down by Stop.
func (a *API) Init(port string) string {
	var err error

	a.s = &http.Server{
		Handler:      a.router,
		Addr:         ":" + port,
		WriteTimeout: a.conf.WriteTimeout,
		ReadTimeout:  a.conf.ReadTimeout,
	}

	go func() {
		err = a.s.ListenAndServe()
	}()

	log.Printf("[api] listening to http requests on :%s", port)

	// wait for the server to be shutdown
	<-a.sc

	return fmt.Sprintf("shutdown http server: %v", err)
}

// Stop shuts the http server down, waiting up to timeout for the requests being served.
func (a *API) Stop(timeout time.Duration) {
	if a.s != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := a.s.Shutdown(ctx); err != nil {
			log.Printf("[api] error in http server shutdown: %v", err)
		}
	}

	close(a.sc)
}
