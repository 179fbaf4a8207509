package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/alecthomas/kingpin.v2"

	"dvbserver/internal/config"
	"dvbserver/internal/transponder"
	"dvbserver/internal/tuner"
)

const programName = "dvbserver"

var log = logrus.WithField("component", "server")

const (
	StatusPath     = "/status"
	TunePath       = "/tune/"
	ReleasePath    = "/release/"
	DescramblePath = "/descramble/"
)

// Server serves the HTTP API of the tuners
type Server struct {
	config *config.ServerConfig
	tm     *TunerManager
	mux    *http.ServeMux
}

func NewServer(cfg *config.ServerConfig, tm *TunerManager, metricsPath string) *Server {
	s := new(Server)
	s.config = cfg
	s.tm = tm
	s.mux = http.NewServeMux()

	s.mux.HandleFunc(StatusPath, s.statusHandler)
	s.mux.HandleFunc(TunePath, s.tuneHandler)
	s.mux.HandleFunc(ReleasePath, s.releaseHandler)
	s.mux.HandleFunc(DescramblePath, s.descrambleHandler)
	s.mux.HandleFunc(StreamPath, s.streamHandler)
	s.mux.HandleFunc(ChannelMapPath, s.channelmapHandler)
	if metricsPath != "" {
		s.mux.Handle(metricsPath, promhttp.Handler())
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// TunerStatus is the status of a tuner with its lease
type TunerStatus struct {
	tuner.Status
	Lease   string `json:"lease,omitempty"`
	Clients int    `json:"clients"`
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("write response: %v", err)
	}
}

// tuner named by the rest of the path, replies 404 when unknown
func (s *Server) pathTuner(w http.ResponseWriter, r *http.Request, prefix string, method ...string) *ManagedTuner {
	allowed := false
	for _, m := range method {
		allowed = allowed || r.Method == m
	}
	if !allowed {
		http.Error(w, "Method is not supported.", http.StatusMethodNotAllowed)
		return nil
	}

	name := strings.Trim(r.URL.Path[len(prefix):], "/")
	t := s.tm.Tuner(name)
	if t == nil {
		http.Error(w, "404 not found.", http.StatusNotFound)
	}
	return t
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method is not supported.", http.StatusMethodNotAllowed)
		return
	}

	list := []TunerStatus{}
	for _, t := range s.tm.Tuners() {
		status, err := t.Status()
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		lease, clients := s.tm.Lease(t)
		list = append(list, TunerStatus{Status: status, Lease: lease, Clients: clients})
	}
	writeJSON(w, list)
}

// POST /tune/<tuner>?transponder=<text>[&auto=1]
func (s *Server) tuneHandler(w http.ResponseWriter, r *http.Request) {
	t := s.pathTuner(w, r, TunePath, http.MethodPost)
	if t == nil {
		return
	}

	tp, err := transponder.Parse(r.FormValue("transponder"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	auto, _ := strconv.ParseBool(r.FormValue("auto"))

	if err := s.tm.Acquire(t); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	var ok bool
	if auto {
		ok, err = t.AutoTune(tp)
	} else {
		ok, err = t.Tune(tp)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if !ok {
		http.Error(w, fmt.Sprintf("tuner %s cannot tune %s", t.Name(), tp), http.StatusConflict)
		return
	}

	log.WithField("tuner", t.Name()).Printf("tuning %s", tp)
	writeJSON(w, map[string]string{"tuner": t.Name(), "transponder": tp.String()})
}

// POST /release/<tuner>
func (s *Server) releaseHandler(w http.ResponseWriter, r *http.Request) {
	t := s.pathTuner(w, r, ReleasePath, http.MethodPost)
	if t == nil {
		return
	}
	if err := s.tm.Release(t); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST or DELETE /descramble/<tuner>?service=<id>
func (s *Server) descrambleHandler(w http.ResponseWriter, r *http.Request) {
	t := s.pathTuner(w, r, DescramblePath, http.MethodPost, http.MethodDelete)
	if t == nil {
		return
	}

	serviceID, err := strconv.Atoi(r.FormValue("service"))
	if err != nil {
		http.Error(w, "invalid service id", http.StatusBadRequest)
		return
	}

	if r.Method == http.MethodDelete {
		err = t.StopDescrambling(serviceID)
	} else {
		err = t.StartDescrambling(serviceID)
	}
	if err == tuner.ErrStopped {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// start the configured helper tools, a failing tool does not stop the server
func startHelperTools(tools []config.HelperTool, tm *TunerManager) []*CommandLineTool {
	var running []*CommandLineTool
	for i := range tools {
		tool := CreateCommandLineTool(tools[i])
		if err := tool.Attach(tm); err != nil {
			log.Errorf("helper tool %d: %v", i, err)
			tool.Stop()
			continue
		}
		args := map[string]string{"index": strconv.Itoa(i), "tuner": tools[i].Tuner}
		if err := tool.Start(args); err != nil {
			log.Errorf("helper tool %d: %v", i, err)
			tool.Stop()
			continue
		}
		running = append(running, tool)
	}
	return running
}

func main() {
	var (
		configFile    = kingpin.Flag("config", "Server configuration file.").Default("dvbserver.yaml").String()
		listenAddress = kingpin.Flag("web.listen-address", "Address to listen on, overrides the configured port.").String()
		metricsPath   = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics.").Default("/metrics").String()
		logLevel      = kingpin.Flag("log.level", "Log level (debug, info, warn, error).").Default("info").String()
		upnp          = kingpin.Flag("upnp", "Advertise the server with SSDP, overrides the configuration.").Bool()
	)

	kingpin.Version(version.Print(programName))
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal(err)
	}
	logrus.SetLevel(level)

	log.Printf("starting %s %s", programName, version.Info())

	var serverconfig config.ServerConfig
	if err := serverconfig.ReadConfig(*configFile); err != nil {
		log.Fatalf("cannot read %s: %v", *configFile, err)
	}

	tm := NewTunerManager(serverconfig.Name, serverconfig.LeaseTimeout)
	if err := tm.AttachTuners(serverconfig.Devices); err != nil {
		log.Fatal(err)
	}

	prometheus.MustRegister(NewExporter(tm))
	prometheus.MustRegister(version.NewCollector(programName))

	server := NewServer(&serverconfig, tm, *metricsPath)

	var svr http.Server
	svr.Handler = server
	svr.Addr = fmt.Sprintf(":%d", serverconfig.ServerPort)
	if *listenAddress != "" {
		svr.Addr = *listenAddress
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tm.Run(ctx) })

	tools := startHelperTools(serverconfig.HelperTools, tm)

	var upnpDevice *UPnPDevice
	if serverconfig.UPnP || *upnp {
		port := serverconfig.ServerPort
		if _, p, err := splitPort(svr.Addr); err == nil {
			port = p
		}
		upnpDevice = NewUPnPDevice(serverconfig.Name, port)
		if err := upnpDevice.Start(server.mux); err != nil {
			log.Warnf("%v", err)
			upnpDevice = nil
		}
	}

	g.Go(func() error {
		log.Printf("listening on %s", svr.Addr)
		if err := svr.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Printf("closing ...")

		// eventually stop launched tasks before exits (avoid hanging processes)
		for _, tool := range tools {
			tool.Stop()
		}
		if upnpDevice != nil {
			upnpDevice.Stop()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return svr.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
	log.Printf("finished, exit")
}

// port number of a listen address
func splitPort(addr string) (string, int, error) {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return "", 0, fmt.Errorf("no port in %q", addr)
	}
	port, err := strconv.Atoi(addr[i+1:])
	return addr[:i], port, err
}
