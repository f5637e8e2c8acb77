// Package main: api service.
//
// The api serves the REST edge: challenge tokens, hub connections, offers, leases, hub reports and rewards. Its
// instances drain the event log persisted by the indexer, so they should share its database.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tarancss/deeds/api"
	"github.com/tarancss/deeds/lib/config"
	"github.com/tarancss/deeds/lib/logging"
	"github.com/tarancss/deeds/service"
)

func main() {
	// get command line flags
	confPath := flag.String("c", "", "flag to get configuration from a json or yaml file")
	monitor := flag.Bool("m", false, "flag to monitor the server with Prometheus at http://localhost:9090")
	flag.Parse()

	// extract configuration
	conf, err := config.ExtractConfiguration(*confPath)
	if err != nil {
		panic(err)
	}

	logger := logging.Setup("api", conf.InstanceID, conf.Log)
	defer logger.Close()

	log.Printf("Configuration: instance:%s db:%s chain:%s broker:%s port:%s", conf.InstanceID, conf.DbType,
		conf.Chain.Name, conf.MbType, conf.API.Port)

	// connect to database, chain and message broker
	svc, err := service.Open(conf, logger)
	if err != nil {
		panic(err)
	}
	defer svc.Close()

	// load Prometheus monitor
	if *monitor {
		go func() {
			log.Println("Serving metrics API")

			h := http.NewServeMux()

			h.Handle("/metrics", promhttp.Handler())
			log.Printf("Metrics API: %v", http.ListenAndServe(":"+conf.MetricsPort, h))
		}()
	}

	// create REST API
	a := api.New(api.Services{
		Hubs:    svc.Hubs,
		Offers:  svc.Offers,
		Leases:  svc.Leases,
		Rewards: svc.Rewards,
	}, conf.API)

	// hot reload of the tunables
	err = config.Watch(*confPath, func(c config.ServiceConfig) {
		svc.Reload(c)
		a.SetTokenLimits(c.API.TokenRate, c.API.TokenBurst)
	})
	if err != nil {
		log.Printf("Configuration changes will not be applied: %v", err)
	}

	// drain and clean up the event log
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go svc.Run(ctx)

	// capture CTRL+C or docker's SIGTERM for gracious exit
	go func() {
		sigchan := make(chan os.Signal, 10)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		log.Println("Program killed !")
		// wait for the requests being served
		a.Stop(api.DefaultTimeout)
		cancel()
	}()

	// init RESTful API, wait for its return and log response
	log.Printf("API: %s", a.Init(conf.API.Port))
}
