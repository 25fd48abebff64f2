package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"autorx-ng/internal/blocklist"
	"autorx-ng/internal/config"
	"autorx-ng/internal/decoder"
	"autorx-ng/internal/indicator"
	"autorx-ng/internal/rotator"
	"autorx-ng/internal/scan"
	"autorx-ng/internal/sdr"
	"autorx-ng/internal/supervisor"
	"autorx-ng/internal/telemetry"
	"autorx-ng/internal/udp"
	"autorx-ng/internal/upload"
	"autorx-ng/internal/upload/aprs"
	"autorx-ng/internal/upload/email"
	"autorx-ng/internal/upload/habitat"
	"autorx-ng/internal/upload/ozimux"
	"autorx-ng/internal/upload/sqlitelog"
	"autorx-ng/internal/web"
)

// sqliteFlushRate is how often buffered frames are written to the
// telemetry database.
const sqliteFlushRate = 10 * time.Second

type runtime struct {
	cfg     config.Config
	log     logrus.FieldLogger
	station string

	pool      *sdr.Pool
	scanner   *scan.Scanner
	builder   *decoder.CommandBuilder
	detector  decoder.Detector
	launcher  decoder.Launcher
	blocklist *blocklist.List
	claims    *supervisor.Claims
	validator *telemetry.Validator
	sched     *upload.Scheduler
	pipeline  *upload.Pipeline

	status *web.Status
	stream *web.Stream
	logs   *web.LogBuffer

	aprsClient *aprs.Client
	aprsUp     *aprs.Uploader
	rotator    *rotator.Controller
	rotClient  *rotator.Client
	store      *sqlitelog.Store
	ozi        []*udp.Broadcaster
	led        *indicator.Indicator

	mu          sync.Mutex
	supervisors []*supervisor.Supervisor

	closeOnce sync.Once
}

// newRuntime builds every component from cfg. Optional outputs that fail to
// initialise are logged and skipped.
func newRuntime(cfg config.Config, log logrus.FieldLogger, logs *web.LogBuffer) (*runtime, error) {
	c := cfg
	if err := config.DefaultAndValidate(&c); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	r := &runtime{
		cfg:     c,
		log:     log,
		station: stationName(c),
		claims:  supervisor.NewClaims(),
		status:  web.NewStatus(),
		stream:  web.NewStream(log.WithField("component", "web")),
		logs:    logs,
	}

	devices := make([]sdr.Settings, 0, len(c.SDR))
	for _, s := range c.SDR {
		devices = append(devices, sdr.Settings{DeviceIdx: s.DeviceIdx, PPM: s.PPM, GainDB: s.GainDB(), Bias: s.Bias})
	}
	r.pool = sdr.NewPool(devices, sdr.RTLTest{Path: c.Advanced.SDRTestPath}, log.WithField("component", "sdr"))
	r.scanner = scan.New(scan.RTLPower{Path: c.Advanced.SDRPowerPath}, scan.ConfigFrom(c), log.WithField("component", "scan"))

	b, err := decoder.NewCommandBuilder(decoder.CommandConfig{
		FMPath:         c.Advanced.SDRFMPath,
		RSPath:         c.Advanced.RSPath,
		RS92Ephemeris:  c.Advanced.RS92Ephemeris,
		SaveAudio:      c.Debugging.SaveDecodeAudio,
		CaptureDir:     c.Debugging.CaptureDir,
		CapturePattern: c.Debugging.CapturePattern,
		SaveRaw:        c.Debugging.SaveDecodeRaw,
	})
	if err != nil {
		return nil, fmt.Errorf("debugging.capture_pattern: %w", err)
	}
	r.builder = b
	r.launcher = decoder.ExecLauncher{}

	order, err := decoder.ParseOrder(c.Search.DetectOrder)
	if err != nil {
		return nil, err
	}
	dlog := log.WithField("component", "detect")
	if c.Search.DetectMode == "trial" {
		r.detector = decoder.TrialDetector{
			Builder:  b,
			Launcher: r.launcher,
			Order:    order,
			Dwell:    c.Advanced.DetectDwellTime,
			Station:  r.station,
			Log:      dlog,
		}
	} else {
		r.detector = decoder.UtilityDetector{
			FMPath:   c.Advanced.SDRFMPath,
			Command:  c.Advanced.DetectCommand,
			Dwell:    c.Advanced.DetectDwellTime,
			Order:    order,
			Launcher: r.launcher,
			Log:      dlog,
		}
	}

	r.blocklist = blocklist.New(c.Advanced.TemporaryBlockTime, c.Advanced.MaxDetectFailures)
	r.validator = telemetry.NewValidator(telemetry.ValidatorConfig{
		MaxAltitude: c.Filtering.MaxAltitude,
		MaxRadiusKm: c.Filtering.MaxRadiusKm,
		StationSet:  c.HasLocation(),
		StationLat:  c.Location.StationLat,
		StationLon:  c.Location.StationLon,
	}, telemetry.NewTrust(c.Filtering.PayloadIDValid))

	ulog := log.WithField("component", "upload")
	r.sched = upload.NewScheduler(upload.Config{Synchronous: c.Upload.SynchronousUpload, Log: ulog})
	r.pipeline = upload.NewPipeline(r.validator, r.sched, ulog)
	r.pipeline.Subscribe(r.stream.Publish)

	if err := r.addDestinations(); err != nil {
		r.Close()
		return nil, err
	}

	if pin := c.GPIO.DecodeLEDPin; pin > 0 {
		led, err := indicator.Open(pin, log.WithField("component", "led"))
		if err != nil {
			log.WithError(err).Warnf("decode LED on GPIO %d disabled", pin)
		} else {
			r.led = led
		}
	}

	r.status.SetStation(r.station)
	r.status.SetSources(r.sources())
	return r, nil
}

func stationName(c config.Config) string {
	if c.Habitat.UploaderCallsign != "" {
		return c.Habitat.UploaderCallsign
	}
	if c.APRS.Callsign != "" {
		return c.APRS.Callsign
	}
	return "autorx-ng"
}

func (r *runtime) addDestinations() error {
	c := r.cfg
	add := func(d upload.Destination, p upload.Policy) error {
		p.Enabled = true
		if err := r.sched.Add(d, p); err != nil {
			return err
		}
		r.log.WithField("dest", d.Name()).Infof("uploads enabled (%s)", p.Mode)
		return nil
	}

	if c.Habitat.Enable {
		h := habitat.New(habitat.Config{
			URL:              c.Habitat.URL,
			UploaderCallsign: c.Habitat.UploaderCallsign,
			PayloadCallsign:  c.Habitat.PayloadCallsign,
			Timeout:          c.Habitat.Timeout,
		})
		if err := add(h, upload.Policy{Interval: c.Habitat.UploadRate, Mode: upload.ModeLatest, Timeout: c.Habitat.Timeout}); err != nil {
			return err
		}
	}

	if c.APRS.Enable {
		client, err := aprs.NewClient(aprs.ClientConfig{
			Addr:     net.JoinHostPort(c.APRS.Server, strconv.Itoa(c.APRS.Port)),
			Callsign: c.APRS.Callsign,
			Passcode: c.APRS.Passcode,
		}, r.log.WithField("component", "aprs"))
		if err != nil {
			return err
		}
		r.aprsClient = client
		r.aprsUp = aprs.NewUploader(aprs.UploaderConfig{
			Callsign:       c.APRS.Callsign,
			ObjectName:     c.APRS.ObjectName,
			Comment:        c.APRS.Comment,
			PositionReport: c.APRS.PositionReport,
			Beacon:         c.APRS.StationBeacon.Enable,
			BeaconRate:     c.APRS.StationBeacon.Rate,
			BeaconComment:  c.APRS.StationBeacon.Comment,
			BeaconIcon:     c.APRS.StationBeacon.Icon,
			StationLat:     c.Location.StationLat,
			StationLon:     c.Location.StationLon,
		}, client, r.log.WithField("component", "aprs"))
		if err := add(r.aprsUp, upload.Policy{Interval: c.APRS.UploadRate, Mode: upload.ModeLatest}); err != nil {
			return err
		}
	}

	if c.Ozi.OziEnable {
		b, err := udp.NewBroadcaster(net.JoinHostPort(c.Ozi.BroadcastHost, strconv.Itoa(c.Ozi.OziPort)))
		if err != nil {
			r.log.WithError(err).Warn("ozimux output disabled")
		} else {
			r.ozi = append(r.ozi, b)
			if err := add(ozimux.NewTelemetry(b), upload.Policy{Interval: c.Ozi.OziUpdateRate, Mode: upload.ModeLatest}); err != nil {
				return err
			}
		}
	}
	if c.Ozi.SummaryEnable {
		b, err := udp.NewBroadcaster(net.JoinHostPort(c.Ozi.BroadcastHost, strconv.Itoa(c.Ozi.SummaryPort)))
		if err != nil {
			r.log.WithError(err).Warn("payload summary output disabled")
		} else {
			r.ozi = append(r.ozi, b)
			if err := add(ozimux.NewPayloadSummary(b), upload.Policy{Interval: c.Ozi.SummaryRate, Mode: upload.ModeLatest}); err != nil {
				return err
			}
		}
	}

	if c.Email.Enable {
		n := email.New(email.Config{
			Server:     c.Email.SMTPServer,
			Port:       c.Email.SMTPPort,
			Username:   c.Email.Username,
			Password:   c.Email.Password,
			From:       c.Email.From,
			To:         c.Email.To,
			Subject:    c.Email.Subject,
			StationSet: c.HasLocation(),
			StationLat: c.Location.StationLat,
			StationLon: c.Location.StationLon,
		})
		if err := add(n, upload.Policy{Mode: upload.ModeOneShot}); err != nil {
			return err
		}
	}

	if path := c.Logging.TelemetryDB; path != "" {
		store, err := sqlitelog.Open(path)
		if err != nil {
			r.log.WithError(err).Warnf("telemetry log %s disabled", path)
		} else {
			r.store = store
			if err := add(store, upload.Policy{Interval: sqliteFlushRate, Mode: upload.ModeAll}); err != nil {
				return err
			}
		}
	}

	if c.Rotator.Enable {
		r.rotClient = rotator.NewClient(net.JoinHostPort(c.Rotator.Host, strconv.Itoa(c.Rotator.Port)), 5*time.Second)
		r.rotator = rotator.NewController(rotator.Config{
			Station: rotator.Position{
				Lat: c.Location.StationLat,
				Lon: c.Location.StationLon,
				Alt: c.Location.StationAlt,
			},
			Threshold:     c.Rotator.RotationThreshold,
			HomingEnable:  c.Rotator.HomingEnable,
			HomingDelay:   c.Rotator.HomingDelay,
			HomeAzimuth:   c.Rotator.HomeAzimuth,
			HomeElevation: c.Rotator.HomeElevation,
		}, r.rotClient, r.log.WithField("component", "rotator"))
		if err := add(r.rotator, upload.Policy{Interval: c.Rotator.UpdateRate, Mode: upload.ModeLatest}); err != nil {
			return err
		}
		r.pipeline.Subscribe(r.rotator.Observe)
	}
	return nil
}

func (r *runtime) sources() web.Sources {
	src := web.Sources{
		SDRs:      r.pool.Snapshot,
		Tasks:     r.tasks,
		Claims:    r.claims.Snapshot,
		Blocklist: r.blocklist.Snapshot,
		Trust:     r.validator.Trust().Snapshot,
		Validator: r.validator.Stats,
		Uploaders: r.sched.Snapshot,
		Payloads:  r.pipeline.Latest,
		Stream:    r.stream.Stats,
	}
	if r.store != nil {
		src.Track = r.store.Track
	}
	if r.rotator != nil {
		src.Rotator = r.rotator.Status
	}
	if r.aprsClient != nil {
		src.APRS = r.aprsClient.Snapshot
	}
	if len(r.ozi) > 0 {
		src.UDP = func() []udp.Stats {
			out := make([]udp.Stats, 0, len(r.ozi))
			for _, b := range r.ozi {
				out = append(out, b.Stats())
			}
			return out
		}
	}
	return src
}

func (r *runtime) tasks() []supervisor.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]supervisor.Status, 0, len(r.supervisors))
	for _, s := range r.supervisors {
		out = append(out, s.Status())
	}
	return out
}

func (r *runtime) observe(e supervisor.Event) {
	r.status.RecordEvent(e)
	if r.led != nil {
		r.led.Observe(e)
	}
}

// newSupervisor wires one SDR task.
func (r *runtime) newSupervisor(id string) (*supervisor.Supervisor, error) {
	return supervisor.New(supervisor.Config{
		SDR:       id,
		ScanDelay: r.cfg.Advanced.ScanDelay,
		RXTimeout: r.cfg.Advanced.RXTimeout,
		Station:   r.station,
	}, supervisor.Deps{
		Pool:      r.pool,
		Scanner:   r.scanner,
		Detector:  r.detector,
		Builder:   r.builder,
		Launcher:  r.launcher,
		Blocklist: r.blocklist,
		Claims:    r.claims,
		Sink:      r.pipeline,
		Observer:  r.observe,
		Log:       r.log,
	})
}

// logDevices reports what rtl_test can see and flags configured SDRs that
// are missing. Probe decides which SDRs are actually used.
func (r *runtime) logDevices(ctx context.Context) {
	devs, err := sdr.DetectRTLSDRDevices(ctx, r.cfg.Advanced.SDRTestPath)
	if err != nil {
		r.log.WithError(err).Warn("rtl-sdr enumeration failed")
		return
	}
	r.log.Infof("found %d RTL-SDR(s): %s", len(devs), sdr.DebugFormatDevices(devs))
	for _, id := range r.pool.IDs() {
		if _, ok := sdr.FindDevice(devs, id); !ok {
			r.log.WithField("sdr", id).Warn("configured SDR not listed by rtl_test")
		}
	}
}

// Run probes the SDRs and runs every task until ctx is cancelled. It fails
// only when no SDR is usable.
func (r *runtime) Run(ctx context.Context) error {
	r.logDevices(ctx)
	usable, err := r.pool.Probe(ctx)
	if err != nil {
		return fmt.Errorf("sdr probe: %w", err)
	}
	if n := len(r.pool.IDs()) - len(usable); n > 0 {
		r.log.Warnf("%d SDR(s) failed the health check and will not be used", n)
	}

	sups := make([]*supervisor.Supervisor, 0, len(usable))
	for _, id := range usable {
		s, err := r.newSupervisor(id)
		if err != nil {
			return err
		}
		sups = append(sups, s)
	}
	r.mu.Lock()
	r.supervisors = sups
	r.mu.Unlock()

	var wg sync.WaitGroup
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				r.log.WithError(err).Errorf("%s stopped", name)
			}
		}()
	}

	spawn("upload scheduler", r.sched.Run)

	if r.aprsClient != nil {
		if err := r.aprsClient.Start(ctx); err != nil {
			r.log.WithError(err).Error("aprs-is client failed to start")
		}
		spawn("aprs beacon", func(ctx context.Context) error {
			r.aprsUp.RunBeacon(ctx)
			return nil
		})
	}
	if r.rotator != nil {
		spawn("rotator homing", func(ctx context.Context) error {
			r.rotator.Run(ctx, 30*time.Second)
			return nil
		})
	}
	if r.cfg.Web.Enable {
		h := web.Handler(r.status, &r.cfg, r.logs, r.stream)
		spawn("web server", func(ctx context.Context) error {
			r.log.Infof("web UI listening on %s", r.cfg.Web.Listen)
			return web.Serve(ctx, r.cfg.Web.Listen, h)
		})
		if r.cfg.Web.MDNSAnnounce {
			spawn("mdns announce", func(ctx context.Context) error {
				return web.Announce(ctx, r.cfg.Web.MDNSName, r.cfg.Web.Listen, r.log.WithField("component", "mdns"))
			})
		}
	}

	for _, s := range sups {
		s := s
		spawn("sdr "+s.SDR(), s.Run)
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (r *runtime) Close() {
	r.closeOnce.Do(func() {
		if r.aprsClient != nil {
			r.aprsClient.Close()
		}
		if r.rotClient != nil {
			_ = r.rotClient.Close()
		}
		for _, b := range r.ozi {
			_ = b.Close()
		}
		if r.store != nil {
			if err := r.store.Close(); err != nil {
				r.log.WithError(err).Warn("telemetry log close failed")
			}
		}
		if r.led != nil {
			_ = r.led.Close()
		}
	})
}
