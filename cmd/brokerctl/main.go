package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/common/version"
	"github.com/shopspring/decimal"

	"github.com/worldland/worldland-broker/internal/adapters/mtls"
	"github.com/worldland/worldland-broker/internal/broker"
	"github.com/worldland/worldland-broker/internal/cli"
)

func main() {
	var (
		brokerURL string
		timeout   time.Duration
		tlsFiles  mtls.Files

		user, session, nodeID, gpuID, reservationID, memory string
	)
	app := kingpin.New(filepath.Base(os.Args[0]), "Operator CLI for the GPU broker.")
	app.HelpFlag.Short('h')
	app.Flag("broker.url", "Broker base URL.").Default("http://localhost:8080").Envar("BROKER_URL").StringVar(&brokerURL)
	app.Flag("timeout", "Request timeout.").Default("30s").DurationVar(&timeout)
	app.Flag("tls.cert", "Client certificate.").PlaceHolder("PATH").StringVar(&tlsFiles.CertFile)
	app.Flag("tls.key", "Client private key.").PlaceHolder("PATH").StringVar(&tlsFiles.KeyFile)
	app.Flag("tls.ca", "CA bundle used to verify the broker.").PlaceHolder("PATH").StringVar(&tlsFiles.CAFile)
	app.PreAction(func(*kingpin.ParseContext) error { return tlsFiles.Validate() })
	app.Version(version.Print("brokerctl"))

	statusCmd := app.Command("status", "Show every GPU with its usage.")

	findCmd := app.Command("find", "Find the best GPU for a request without reserving it.")
	findCmd.Flag("user", "Requesting user.").Required().StringVar(&user)
	findCmd.Flag("mem", "Memory required in GB.").Required().StringVar(&memory)
	findCmd.Flag("session", "Session type, one of [interactive, job].").Default(string(broker.SessionInteractive)).
		EnumVar(&session, string(broker.SessionInteractive), string(broker.SessionJob))

	reserveCmd := app.Command("reserve", "Reserve memory on a GPU.")
	reserveCmd.Flag("node", "Node id.").Required().StringVar(&nodeID)
	reserveCmd.Flag("gpu", "GPU id.").Required().StringVar(&gpuID)
	reserveCmd.Flag("user", "Requesting user.").Required().StringVar(&user)
	reserveCmd.Flag("mem", "Memory to reserve in GB.").Required().StringVar(&memory)

	finishCmd := app.Command("finish", "Release a reservation by id, or by user and amount.")
	finishCmd.Flag("node", "Node id.").Required().StringVar(&nodeID)
	finishCmd.Flag("gpu", "GPU id.").Required().StringVar(&gpuID)
	finishCmd.Flag("id", "Reservation id.").StringVar(&reservationID)
	finishCmd.Flag("user", "Reservation owner.").StringVar(&user)
	finishCmd.Flag("mem", "Reserved memory in GB.").StringVar(&memory)

	resetCmd := app.Command("reset", "Drop every active reservation and process list.")

	historyCmd := app.Command("history", "Show released reservations of a GPU.")
	historyCmd.Flag("node", "Node id.").Required().StringVar(&nodeID)
	historyCmd.Flag("gpu", "GPU id.").Required().StringVar(&gpuID)

	cmd, err := app.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("failed to parse commandline arguments: %w", err))
		app.Usage(os.Args[1:])
		os.Exit(2)
	}

	var tlsCfg *tls.Config
	if tlsFiles.Enabled() {
		if tlsCfg, err = mtls.LoadClientConfig(tlsFiles); err != nil {
			fail(err)
		}
	}
	decimal.MarshalJSONWithoutQuotes = true
	c := cli.NewBrokerClient(brokerURL, mtls.NewHTTPClient(tlsCfg, timeout))
	ctx := context.Background()
	out := os.Stdout

	switch cmd {
	case statusCmd.FullCommand():
		view, err := c.Nodes(ctx)
		if err != nil {
			fail(err)
		}
		cli.PrintCluster(out, view)

	case findCmd.FullCommand():
		cand, err := c.Find(ctx, broker.FindRequest{User: user, MemoryGB: parseGB(memory), SessionType: session})
		if err != nil {
			fail(err)
		}
		cli.PrintCandidate(out, cand)

	case reserveCmd.FullCommand():
		reserved, err := c.Reserve(ctx, broker.ReserveRequest{NodeID: nodeID, GPUID: gpuID, User: user, MemoryGB: parseGB(memory)})
		if err != nil {
			fail(err)
		}
		cli.PrintReserved(out, reserved)

	case finishCmd.FullCommand():
		req := broker.FinishRequest{NodeID: nodeID, GPUID: gpuID, User: user, ReservationID: reservationID}
		if memory != "" {
			req.MemoryGB = parseGB(memory)
		}
		freed, err := c.Finish(ctx, req)
		if err != nil {
			fail(err)
		}
		cli.PrintSuccess(out, fmt.Sprintf("Released %s (%s GB for %s)",
			freed.Reservation.ID, freed.Reservation.MemoryGB.StringFixed(2), freed.Reservation.User))

	case resetCmd.FullCommand():
		if err := c.Reset(ctx); err != nil {
			fail(err)
		}
		cli.PrintSuccess(out, "All reservations cleared.")

	case historyCmd.FullCommand():
		hist, err := c.History(ctx, nodeID, gpuID)
		if err != nil {
			fail(err)
		}
		cli.PrintReservations(out, fmt.Sprintf("History %s/%s", hist.NodeID, hist.GPUID), hist.Reservations)
	}
}

func parseGB(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		fail(fmt.Errorf("invalid memory amount %q: %w", s, err))
	}
	return d
}

func fail(err error) {
	cli.PrintError(os.Stderr, err.Error())
	os.Exit(1)
}
