// Package main: indexer service.
//
// The indexer scans the renting and WoM contracts, applies the pending transactions of offers and leases,
// computes the weekly UEM rewards and checks the status of the connected hubs. It persists the events it
// publishes so the api instances can drain them.
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

	"github.com/tarancss/deeds/lib/config"
	"github.com/tarancss/deeds/lib/logging"
	"github.com/tarancss/deeds/scanner"
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

	logger := logging.Setup("indexer", conf.InstanceID, conf.Log)
	defer logger.Close()

	log.Printf("Configuration: instance:%s db:%s chain:%s broker:%s", conf.InstanceID, conf.DbType, conf.Chain.Name,
		conf.MbType)

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

	// hot reload of the tunables
	if err = config.Watch(*confPath, svc.Reload); err != nil {
		log.Printf("Configuration changes will not be applied: %v", err)
	}

	// create scanner
	s := scanner.New(svc.DB, svc.Chain, scanner.Services{
		Offers:  svc.Offers,
		Leases:  svc.Leases,
		Hubs:    svc.Hubs,
		Rewards: svc.Rewards,
	}, conf.Chain, conf.Scanner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err = s.Load(ctx); err != nil {
		panic(err)
	}

	// drain and clean up the event log
	go svc.Run(ctx)

	// capture CTRL+C or docker's SIGTERM for gracious exit
	go func() {
		sigchan := make(chan os.Signal, 10)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		log.Println("Program killed !")
		// let the scan in progress end and persist its last block
		s.Stop()
	}()

	// launch scanner and periodic tasks, wait for them to return
	log.Printf("Explore: %s", <-s.Explore(ctx))
}
