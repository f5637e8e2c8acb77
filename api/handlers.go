package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/tarancss/deeds/hub"
	"github.com/tarancss/deeds/lib/errs"
	"github.com/tarancss/deeds/lib/store"
)

// Errors returned to client requests.
var (
	ErrTooManyRequests = &errs.Error{Kind: errs.KindRequest, Key: "wom.tooManyRequests", ShouldRetry: true,
		Code: http.StatusTooManyRequests}
	ErrBadQuery = errs.Request("api.badQuery")
)

// Response defines the data structure returned to the client making the http request.
type Response struct {
	Body        interface{} `json:"body,omitempty"`
	Error       string      `json:"error,omitempty"`
	ShouldRetry bool        `json:"shouldRetry,omitempty"`
	Code        int         `json:"code,omitempty"`
}

// TransactionRequest holds the hash of a transaction sent by a client.
type TransactionRequest struct {
	TransactionHash string `json:"transactionHash"`
}

// reply writes body, or err when not nil, to the client and logs the request.
func reply(rw http.ResponseWriter, r *http.Request, body interface{}, err error) {
	res := Response{Body: body}
	code := http.StatusOK

	if err != nil {
		code = errs.HTTPCode(err)
		res = Response{Error: err.Error(), Code: code}

		if e := errs.As(err); e != nil {
			res.Error, res.ShouldRetry = e.Key, e.ShouldRetry
		}

		log.Printf("[api] httpreq from %v %s %s code:%d err:%v", r.RemoteAddr, r.Method, r.RequestURI, code, err)
	} else {
		log.Printf("[api] httpreq from %v %s %s code:%d", r.RemoteAddr, r.Method, r.RequestURI, code)
	}

	rw.Header().Set("Content-Type", "application/json;charset=utf8")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(&res)
}

// decode reads the JSON body of r into v.
func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.Parsing("api.invalidBody", err)
	}

	return nil
}

// boolQuery returns the boolean query parameter name, false when missing.
func boolQuery(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, ErrBadQuery
	}

	return b, nil
}

// healthHandler replies when the service is up.
func (a *API) healthHandler(rw http.ResponseWriter, r *http.Request) {
	reply(rw, r, "ok", nil)
}

// tokenHandler replies a new challenge token, to be included in the messages signed by the clients.
func (a *API) tokenHandler(rw http.ResponseWriter, r *http.Request) {
	if !a.limiter.Allow() {
		reply(rw, r, nil, ErrTooManyRequests)

		return
	}

	reply(rw, r, a.svc.Hubs.Token(), nil)
}

// hubsHandler replies the hubs connected to WoM.
func (a *API) hubsHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var hubs []store.Hub

	defer func() { reply(rw, r, hubs, err) }()

	hubs, err = a.svc.Hubs.List(r.Context())
}

// connectHandler connects a hub to WoM.
func (a *API) connectHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var h store.Hub

	defer func() { reply(rw, r, h, err) }()

	var req hub.ConnectRequest
	if err = decode(r, &req); err != nil {
		return
	}

	h, err = a.svc.Hubs.Connect(r.Context(), req)
}

// hubHandler replies the hub address, refreshed from WoM with ?refresh=true.
func (a *API) hubHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var h store.Hub

	defer func() { reply(rw, r, h, err) }()

	refresh, err := boolQuery(r, "refresh")
	if err != nil {
		return
	}

	h, err = a.svc.Hubs.Get(r.Context(), mux.Vars(r)["address"], refresh)
}

// disconnectHandler disconnects the hub address from WoM.
func (a *API) disconnectHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var h store.Hub

	defer func() { reply(rw, r, h, err) }()

	var req hub.DisconnectRequest
	if err = decode(r, &req); err != nil {
		return
	}

	req.HubAddress = mux.Vars(r)["address"]
	h, err = a.svc.Hubs.Disconnect(r.Context(), req)
}

// offerHandler replies the offer id as seen by ?address=, refreshed from the chain with ?refresh=true.
func (a *API) offerHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var offer store.Offer

	defer func() { reply(rw, r, offer, err) }()

	refresh, err := boolQuery(r, "refresh")
	if err != nil {
		return
	}

	offer, err = a.svc.Offers.Get(r.Context(), mux.Vars(r)["id"], r.URL.Query().Get("address"), refresh)
}

// leaseHandler replies the lease id, refreshed from the chain with ?refresh=true.
func (a *API) leaseHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var lease store.Lease

	defer func() { reply(rw, r, lease, err) }()

	refresh, err := boolQuery(r, "refresh")
	if err != nil {
		return
	}

	lease, err = a.svc.Leases.Get(r.Context(), mux.Vars(r)["id"], refresh)
}

// reportHandler saves the report sent by a hub.
func (a *API) reportHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var report store.HubReport

	defer func() { reply(rw, r, report, err) }()

	if err = decode(r, &report); err != nil {
		return
	}

	report, err = a.svc.Rewards.SaveReport(r.Context(), report)
}

// reportGetHandler replies the report id.
func (a *API) reportGetHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var report store.HubReport

	defer func() { reply(rw, r, report, err) }()

	report, err = a.svc.Rewards.Report(r.Context(), mux.Vars(r)["id"])
}

// rewardHandler replies the reward id.
func (a *API) rewardHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var reward store.UEMReward

	defer func() { reply(rw, r, reward, err) }()

	reward, err = a.svc.Rewards.Get(r.Context(), mux.Vars(r)["id"])
}

// rewardTxHandler records the transaction sending the reward id.
func (a *API) rewardTxHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var reward store.UEMReward

	defer func() { reply(rw, r, reward, err) }()

	var req TransactionRequest
	if err = decode(r, &req); err != nil {
		return
	}

	reward, err = a.svc.Rewards.SaveTransactionHash(r.Context(), mux.Vars(r)["id"], req.TransactionHash)
}
