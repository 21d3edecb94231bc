// Command tcpnode bootstraps a single tcp.Endpoint over a TUN device and
// drives it from the command line: connect out to a peer, or listen for
// one, then shuttle stdin/stdout through the connection until it closes.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lirlia/tcpendpoint/internal/ipstack"
	"github.com/lirlia/tcpendpoint/internal/logx"
	"github.com/lirlia/tcpendpoint/internal/tcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Command-line flags, named after the teacher's TUN bootstrap flags plus
// the connect/listen knobs this module adds.
var (
	devName    = flag.String("dev", "", "TUN device name (e.g., tun0)")
	localIP    = flag.String("local-ip", envOr("TCP_LOCAL_ADDR", "10.0.0.1"), "local IP address for the TUN device")
	peerIP     = flag.String("peer-ip", envOr("TCP_PEER_ADDR", "10.0.0.2"), "peer IP address for the TUN device")
	subnetMask = flag.String("subnet", "255.255.255.0", "subnet mask for the TUN device")
	mtu        = flag.Int("mtu", 1500, "MTU for the TUN device")

	mode        = flag.String("mode", "listen", "operating mode: 'connect' or 'listen'")
	port        = flag.Int("port", 7, "port to listen on, or the peer's port in connect mode")
	metricsAddr = flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9100)")
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	flag.Parse()

	log.Printf("%s%ssetting up TUN device %q: local=%s peer=%s subnet=%s mtu=%d%s",
		logx.PrefixInfo, logx.Reset, *devName, *localIP, *peerIP, *subnetMask, *mtu, logx.Reset)

	conn, err := ipstack.Open(ipstack.Config{
		DeviceName: *devName,
		LocalIP:    *localIP,
		PeerIP:     *peerIP,
		SubnetMask: *subnetMask,
		MTU:        *mtu,
	})
	if err != nil {
		log.Fatalf("%s%sfailed to bring up TUN device: %v%s", logx.PrefixError, logx.Reset, err, logx.Reset)
	}
	defer conn.Close()

	ep := tcp.Open(conn)
	m := tcp.NewMetrics(ep, prometheus.Labels{"mode": *mode})
	ep = ep.WithMetrics(m)

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(m)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			log.Printf("%s%sserving metrics on %s/metrics%s", logx.PrefixInfo, logx.Reset, *metricsAddr, logx.Reset)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil && err != http.ErrServerClosed {
				log.Printf("%s%smetrics server stopped: %v%s", logx.PrefixWarn, logx.Reset, err, logx.Reset)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	switch *mode {
	case "connect":
		peerAddr, err := ipstack.ParseAddr(*peerIP)
		if err != nil {
			log.Fatalf("%s%sinvalid peer IP: %v%s", logx.PrefixError, logx.Reset, err, logx.Reset)
		}
		log.Printf("%s%sconnecting to %s:%d%s", logx.PrefixInfo, logx.Reset, peerAddr, *port, logx.Reset)
		if err := ep.Connect(peerAddr, uint16(*port)); err != nil {
			log.Fatalf("%s%sconnect failed: %v%s", logx.PrefixError, logx.Reset, err, logx.Reset)
		}
	case "listen":
		log.Printf("%s%slistening on port %d%s", logx.PrefixInfo, logx.Reset, *port, logx.Reset)
		peer, err := ep.Listen(uint16(*port))
		if err != nil {
			log.Fatalf("%s%slisten failed: %v%s", logx.PrefixError, logx.Reset, err, logx.Reset)
		}
		log.Printf("%s%saccepted connection from %s%s", logx.PrefixInfo, logx.Reset, peer, logx.Reset)
	default:
		log.Fatalf("%s%sinvalid mode %q: choose 'connect' or 'listen'%s", logx.PrefixError, logx.Reset, *mode, logx.Reset)
	}

	log.Printf("%s%sestablished, state=%s%s", logx.PrefixState, logx.Reset, ep.State(), logx.Reset)

	done := make(chan struct{})
	go pumpStdinToConn(ep, done)
	go pumpConnToStdout(ep)

	select {
	case <-sigChan:
		log.Printf("%s%sshutdown signal received, closing%s", logx.PrefixInfo, logx.Reset, logx.Reset)
	case <-done:
		log.Printf("%s%slocal input closed, closing connection%s", logx.PrefixInfo, logx.Reset, logx.Reset)
	}

	if err := ep.Close(); err != nil {
		log.Printf("%s%sclose failed: %v%s", logx.PrefixWarn, logx.Reset, err, logx.Reset)
	}
}

// pumpStdinToConn forwards stdin into the connection a line at a time
// until EOF or a write failure, then closes done.
func pumpStdinToConn(ep *tcp.Endpoint, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := append(scanner.Bytes(), '\n')
		if _, err := ep.Write(line); err != nil {
			log.Printf("%s%swrite failed: %v%s", logx.PrefixWarn, logx.Reset, err, logx.Reset)
			return
		}
	}
}

// pumpConnToStdout copies received application data to stdout until the
// connection reports a clean end-of-stream or a read error.
func pumpConnToStdout(ep *tcp.Endpoint) {
	buf := make([]byte, 4096)
	for {
		n, err := ep.Read(buf)
		if err != nil {
			if err != io.EOF {
				log.Printf("%s%sread failed: %v%s", logx.PrefixWarn, logx.Reset, err, logx.Reset)
			}
			return
		}
		if n == 0 {
			// Read signals end-of-stream as 0 bytes once the peer's FIN
			// has been processed.
			switch ep.State() {
			case tcp.StateClosed, tcp.StateClosing, tcp.StateCloseWait, tcp.StateLastAck:
				return
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		fmt.Fprint(os.Stdout, string(buf[:n]))
	}
}
