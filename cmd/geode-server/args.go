package main

import "flag"

type cliArgs struct {
	nodeName            string
	bindAddr            string
	publicHost          string
	port                int
	directPort          int
	joinAddr            string
	coordinatorEligible bool
	partitionDetection  bool
	ackWaitMs           int
	ackSevereMs         int
	memberTimeoutMs     int
	metricsAddr         string
	verbose             bool
}

func parseCliArgs() cliArgs {
	args := cliArgs{}

	flag.StringVar(&args.nodeName, "node-name", "", "node name")

	flag.StringVar(&args.bindAddr, "bind-addr", "0.0.0.0", "address to bind the membership listener")
	flag.StringVar(&args.publicHost, "public-host", "127.0.0.1", "address to advertise to other members")
	flag.IntVar(&args.port, "port", 10334, "membership port")
	flag.IntVar(&args.directPort, "direct-port", 0, "port for direct peer-to-peer connections")

	flag.StringVar(&args.joinAddr, "join-addr", "", "address of a member to join the cluster")

	flag.BoolVar(&args.coordinatorEligible, "coordinator-eligible", true, "whether this member may become coordinator")
	flag.BoolVar(&args.partitionDetection, "enable-network-partition-detection", false, "shut down when quorum is lost")

	flag.IntVar(&args.ackWaitMs, "ack-wait-threshold", 15000, "milliseconds to wait for a reply before warning")
	flag.IntVar(&args.ackSevereMs, "ack-severe-alert-threshold", 10000, "milliseconds past the warning before severe alert")
	flag.IntVar(&args.memberTimeoutMs, "member-timeout", 2000, "milliseconds to wait for a direct liveness probe")

	flag.StringVar(&args.metricsAddr, "metrics-addr", "", "address to serve prometheus metrics")

	flag.BoolVar(&args.verbose, "verbose", false, "verbose mode")

	flag.Parse()

	return args
}
