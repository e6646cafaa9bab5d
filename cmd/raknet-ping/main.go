// Command raknet-ping sends an unconnected ping to a RakNet server and
// prints the observed latency and advertised MOTD, mirroring the shape of
// the pack's single-purpose cmd/get tool: parse flags, do one thing, log
// structured errors to stderr and exit non-zero on failure.
package main

import (
	"flag"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	raknet "github.com/hollowcrown/goraknet"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:19132", "server address to ping")
	timeout := flag.Duration("timeout", 2*time.Second, "ping timeout")
	flag.Parse()

	log := logrus.New()

	latency, motd, err := raknet.Ping("udp", *addr, *timeout)
	if err != nil {
		log.WithError(err).WithField("addr", *addr).Error("ping failed")
		os.Exit(1)
	}
	log.WithFields(logrus.Fields{
		"addr":    *addr,
		"latency": latency,
		"motd":    motd,
	}).Info("pong")
}
