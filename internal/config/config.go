package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// IDPlaceholder in a callsign/object field is replaced by the sonde serial.
const IDPlaceholder = "<id>"

// SondeTypes lists the sonde families a decoder exists for, in the default
// detection priority order.
var SondeTypes = []string{"RS41", "RS92", "DFM", "M10", "iMet"}

// Error marks a configuration problem. Configuration errors are fatal at
// startup.
type Error struct {
	err error
}

func (e *Error) Error() string { return e.err.Error() }
func (e *Error) Unwrap() error { return e.err }

func errorf(format string, args ...any) error {
	return &Error{err: fmt.Errorf(format, args...)}
}

// IsConfigError reports whether err (or anything it wraps) is a *Error.
func IsConfigError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

type Config struct {
	SDR       []SDRConfig     `yaml:"sdr"`
	Search    SearchConfig    `yaml:"search"`
	Location  LocationConfig  `yaml:"location"`
	Upload    UploadConfig    `yaml:"upload"`
	Habitat   HabitatConfig   `yaml:"habitat"`
	APRS      APRSConfig      `yaml:"aprs"`
	Ozi       OziConfig       `yaml:"oziplotter"`
	Email     EmailConfig     `yaml:"email"`
	Rotator   RotatorConfig   `yaml:"rotator"`
	Logging   LoggingConfig   `yaml:"logging"`
	Web       WebConfig       `yaml:"web"`
	GPIO      GPIOConfig      `yaml:"gpio"`
	Debugging DebugConfig     `yaml:"debugging"`
	Advanced  AdvancedConfig  `yaml:"advanced"`
	Filtering FilteringConfig `yaml:"filtering"`
}

type SDRConfig struct {
	// DeviceIdx is the rtl-sdr device index or serial number.
	DeviceIdx string `yaml:"device_idx"`
	PPM       int    `yaml:"ppm"`
	// Gain in dB. Absent or -1 selects the tuner AGC.
	Gain *float64 `yaml:"gain"`
	Bias bool     `yaml:"bias"`
}

// GainDB returns the configured gain, or -1 for automatic gain.
func (s SDRConfig) GainDB() float64 {
	if s.Gain == nil {
		return -1
	}
	return *s.Gain
}

type SearchConfig struct {
	// Frequencies are in MHz.
	MinFreq   float64   `yaml:"min_freq"`
	MaxFreq   float64   `yaml:"max_freq"`
	Whitelist []float64 `yaml:"whitelist"`
	Blacklist []float64 `yaml:"blacklist"`
	Greylist  []float64 `yaml:"greylist"`

	// DetectOrder is the priority in which sonde types are tried when more
	// than one could match a candidate.
	DetectOrder []string `yaml:"detect_order"`
	// DetectMode is "utility" (run detect_command once) or "trial" (launch
	// each decoder in DetectOrder until one yields a frame).
	DetectMode string `yaml:"detect_mode"`
}

type LocationConfig struct {
	StationLat float64 `yaml:"station_lat"`
	StationLon float64 `yaml:"station_lon"`
	StationAlt float64 `yaml:"station_alt"`
}

type UploadConfig struct {
	SynchronousUpload bool `yaml:"synchronous_upload"`
}

type HabitatConfig struct {
	Enable           bool          `yaml:"enable"`
	URL              string        `yaml:"url"`
	UploaderCallsign string        `yaml:"uploader_callsign"`
	PayloadCallsign  string        `yaml:"payload_callsign"`
	UploadRate       time.Duration `yaml:"upload_rate"`
	Timeout          time.Duration `yaml:"timeout"`
}

type APRSConfig struct {
	Enable         bool          `yaml:"enable"`
	Callsign       string        `yaml:"callsign"`
	Passcode       string        `yaml:"passcode"`
	Server         string        `yaml:"server"`
	Port           int           `yaml:"port"`
	UploadRate     time.Duration `yaml:"upload_rate"`
	ObjectName     string        `yaml:"object_name"`
	PositionReport bool          `yaml:"position_report"`
	Comment        string        `yaml:"comment"`

	StationBeacon StationBeaconConfig `yaml:"station_beacon"`
}

type StationBeaconConfig struct {
	Enable  bool          `yaml:"enable"`
	Rate    time.Duration `yaml:"rate"`
	Comment string        `yaml:"comment"`
	Icon    string        `yaml:"icon"`
}

type OziConfig struct {
	OziEnable      bool          `yaml:"ozi_enable"`
	OziUpdateRate  time.Duration `yaml:"ozi_update_rate"`
	OziPort        int           `yaml:"ozi_port"`
	SummaryEnable  bool          `yaml:"payload_summary_enable"`
	SummaryRate    time.Duration `yaml:"payload_summary_rate"`
	SummaryPort    int           `yaml:"payload_summary_port"`
	BroadcastHost  string        `yaml:"broadcast_host"`
}

type EmailConfig struct {
	Enable     bool     `yaml:"enable"`
	SMTPServer string   `yaml:"smtp_server"`
	SMTPPort   int      `yaml:"smtp_port"`
	Username   string   `yaml:"smtp_username"`
	Password   string   `yaml:"smtp_password"`
	From       string   `yaml:"from"`
	To         []string `yaml:"to"`
	Subject    string   `yaml:"subject"`
}

type RotatorConfig struct {
	Enable            bool          `yaml:"enable"`
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	UpdateRate        time.Duration `yaml:"update_rate"`
	RotationThreshold float64       `yaml:"rotation_threshold"`
	HomingEnable      bool          `yaml:"homing_enable"`
	HomingDelay       time.Duration `yaml:"homing_delay"`
	HomeAzimuth       float64       `yaml:"home_azimuth"`
	HomeElevation     float64       `yaml:"home_elevation"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	// TelemetryDB enables the SQLite telemetry log when non-empty.
	TelemetryDB string `yaml:"telemetry_db"`
}

type WebConfig struct {
	Enable       bool   `yaml:"enable"`
	Listen       string `yaml:"listen"`
	MDNSAnnounce bool   `yaml:"mdns_announce"`
	MDNSName     string `yaml:"mdns_name"`
}

type GPIOConfig struct {
	// DecodeLEDPin is a BCM GPIO lit while any SDR is decoding. 0 disables.
	DecodeLEDPin int `yaml:"decode_led_pin"`
}

type DebugConfig struct {
	SaveDecodeAudio bool   `yaml:"save_decode_audio"`
	SaveDecodeRaw   bool   `yaml:"save_decode_raw"`
	CaptureDir      string `yaml:"capture_dir"`
	// CapturePattern is a strftime pattern for capture file names.
	CapturePattern string `yaml:"capture_pattern"`
}

type AdvancedConfig struct {
	SearchStep   int     `yaml:"search_step"`
	SNRThreshold float64 `yaml:"snr_threshold"`
	MaxPeaks     int     `yaml:"max_peaks"`
	MinDistance  int     `yaml:"min_distance"`
	Quantization int     `yaml:"quantization"`

	ScanDwellTime      time.Duration `yaml:"scan_dwell_time"`
	DetectDwellTime    time.Duration `yaml:"detect_dwell_time"`
	ScanDelay          time.Duration `yaml:"scan_delay"`
	RXTimeout          time.Duration `yaml:"rx_timeout"`
	TemporaryBlockTime time.Duration `yaml:"temporary_block_time"`
	MaxDetectFailures  int           `yaml:"max_detect_failures"`

	SDRFMPath     string `yaml:"sdr_fm_path"`
	SDRPowerPath  string `yaml:"sdr_power_path"`
	SDRTestPath   string `yaml:"sdr_test_path"`
	RSPath        string `yaml:"rs_path"`
	DetectCommand string `yaml:"detect_command"`
	// RS92Ephemeris is passed to the RS92 decoder with -e.
	RS92Ephemeris string `yaml:"rs92_ephemeris"`
}

type FilteringConfig struct {
	MaxAltitude    float64 `yaml:"max_altitude"`
	MaxRadiusKm    float64 `yaml:"max_radius_km"`
	PayloadIDValid int     `yaml:"payload_id_valid"`
}

// HasLocation reports whether a station position is configured. 0,0 is
// treated as unset.
func (c Config) HasLocation() bool {
	return c.Location.StationLat != 0 || c.Location.StationLon != 0
}

// Hz converts a frequency in MHz to integer Hz.
func Hz(mhz float64) int64 {
	return int64(math.Round(mhz * 1e6))
}

// HzList converts a list of MHz values.
func HzList(mhz []float64) []int64 {
	if len(mhz) == 0 {
		return nil
	}
	out := make([]int64, 0, len(mhz))
	for _, f := range mhz {
		out = append(out, Hz(f))
	}
	return out
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &Error{err: err}
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, &Error{err: err}
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultAndValidate fills unset fields with defaults and rejects invalid or
// contradictory settings.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return errorf("config is nil")
	}

	if len(cfg.SDR) == 0 {
		return errorf("sdr: at least one SDR is required")
	}
	seen := map[string]bool{}
	for i := range cfg.SDR {
		s := &cfg.SDR[i]
		s.DeviceIdx = strings.TrimSpace(s.DeviceIdx)
		if s.DeviceIdx == "" {
			s.DeviceIdx = "0"
			if len(cfg.SDR) > 1 {
				return errorf("sdr[%d].device_idx is required when more than one SDR is configured", i)
			}
		}
		if seen[s.DeviceIdx] {
			return errorf("sdr[%d].device_idx %q is duplicated", i, s.DeviceIdx)
		}
		seen[s.DeviceIdx] = true
		if s.Gain != nil && *s.Gain < 0 && *s.Gain != -1 {
			return errorf("sdr[%d].gain must be -1 (auto) or >= 0", i)
		}
	}

	if err := defaultSearch(cfg); err != nil {
		return err
	}
	if err := defaultAdvanced(&cfg.Advanced); err != nil {
		return err
	}
	if err := defaultFiltering(&cfg.Filtering); err != nil {
		return err
	}

	if lat := cfg.Location.StationLat; lat < -90 || lat > 90 {
		return errorf("location.station_lat must be within [-90,90]")
	}
	if lon := cfg.Location.StationLon; lon < -180 || lon > 180 {
		return errorf("location.station_lon must be within [-180,180]")
	}

	multi := len(cfg.SDR) > 1

	if cfg.Habitat.URL == "" {
		cfg.Habitat.URL = "http://habitat.habhub.org/"
	}
	if cfg.Habitat.PayloadCallsign == "" {
		cfg.Habitat.PayloadCallsign = IDPlaceholder
	}
	if cfg.Habitat.UploadRate <= 0 {
		cfg.Habitat.UploadRate = 30 * time.Second
	}
	if cfg.Habitat.Timeout <= 0 {
		cfg.Habitat.Timeout = 10 * time.Second
	}
	if cfg.Habitat.Enable {
		if strings.TrimSpace(cfg.Habitat.UploaderCallsign) == "" {
			return errorf("habitat.uploader_callsign is required when habitat.enable is true")
		}
		if multi && cfg.Habitat.PayloadCallsign != IDPlaceholder {
			return errorf("habitat.payload_callsign must be %q when more than one SDR is configured", IDPlaceholder)
		}
	}

	if cfg.APRS.Server == "" {
		cfg.APRS.Server = "rotate.aprs2.net"
	}
	if cfg.APRS.Port == 0 {
		cfg.APRS.Port = 14580
	}
	if cfg.APRS.UploadRate <= 0 {
		cfg.APRS.UploadRate = 30 * time.Second
	}
	if cfg.APRS.ObjectName == "" {
		cfg.APRS.ObjectName = IDPlaceholder
	}
	if cfg.APRS.Comment == "" {
		cfg.APRS.Comment = "<type> <freq> Radiosonde"
	}
	if cfg.APRS.StationBeacon.Rate <= 0 {
		cfg.APRS.StationBeacon.Rate = 30 * time.Minute
	}
	if cfg.APRS.StationBeacon.Icon == "" {
		cfg.APRS.StationBeacon.Icon = "/r"
	}
	if cfg.APRS.StationBeacon.Comment == "" {
		cfg.APRS.StationBeacon.Comment = "autorx-ng radiosonde receiver"
	}
	if cfg.APRS.Enable {
		if strings.TrimSpace(cfg.APRS.Callsign) == "" {
			return errorf("aprs.callsign is required when aprs.enable is true")
		}
		if strings.TrimSpace(cfg.APRS.Passcode) == "" {
			return errorf("aprs.passcode is required when aprs.enable is true")
		}
		if multi && cfg.APRS.ObjectName != IDPlaceholder {
			return errorf("aprs.object_name must be %q when more than one SDR is configured", IDPlaceholder)
		}
		if len(cfg.APRS.ObjectName) > 9 && cfg.APRS.ObjectName != IDPlaceholder {
			return errorf("aprs.object_name must be at most 9 characters")
		}
		if cfg.APRS.StationBeacon.Enable && !cfg.HasLocation() {
			return errorf("aprs.station_beacon requires location.station_lat/station_lon")
		}
		if len(cfg.APRS.StationBeacon.Icon) != 2 {
			return errorf("aprs.station_beacon.icon must be 2 characters (table + symbol)")
		}
	}

	if cfg.Ozi.OziUpdateRate <= 0 {
		cfg.Ozi.OziUpdateRate = 5 * time.Second
	}
	if cfg.Ozi.OziPort == 0 {
		cfg.Ozi.OziPort = 8942
	}
	if cfg.Ozi.SummaryRate <= 0 {
		cfg.Ozi.SummaryRate = 5 * time.Second
	}
	if cfg.Ozi.SummaryPort == 0 {
		cfg.Ozi.SummaryPort = 55672
	}
	if cfg.Ozi.BroadcastHost == "" {
		cfg.Ozi.BroadcastHost = "255.255.255.255"
	}

	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = 25
	}
	if cfg.Email.Subject == "" {
		cfg.Email.Subject = "Sonde launch detected: <id>"
	}
	if cfg.Email.Enable {
		if strings.TrimSpace(cfg.Email.SMTPServer) == "" {
			return errorf("email.smtp_server is required when email.enable is true")
		}
		if strings.TrimSpace(cfg.Email.From) == "" {
			return errorf("email.from is required when email.enable is true")
		}
		if len(cfg.Email.To) == 0 {
			return errorf("email.to is required when email.enable is true")
		}
	}

	if cfg.Rotator.Host == "" {
		cfg.Rotator.Host = "127.0.0.1"
	}
	if cfg.Rotator.Port == 0 {
		cfg.Rotator.Port = 4533
	}
	if cfg.Rotator.UpdateRate <= 0 {
		cfg.Rotator.UpdateRate = 30 * time.Second
	}
	if cfg.Rotator.RotationThreshold <= 0 {
		cfg.Rotator.RotationThreshold = 5.0
	}
	if cfg.Rotator.HomingDelay <= 0 {
		cfg.Rotator.HomingDelay = 10 * time.Minute
	}
	if cfg.Rotator.Enable && !cfg.HasLocation() {
		return errorf("rotator.enable requires location.station_lat/station_lon")
	}
	if cfg.Rotator.HomeAzimuth < 0 || cfg.Rotator.HomeAzimuth >= 360 {
		return errorf("rotator.home_azimuth must be within [0,360)")
	}
	if cfg.Rotator.HomeElevation < 0 || cfg.Rotator.HomeElevation > 90 {
		return errorf("rotator.home_elevation must be within [0,90]")
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":5000"
	}
	if cfg.Web.MDNSName == "" {
		cfg.Web.MDNSName = "autorx-ng"
	}

	if cfg.GPIO.DecodeLEDPin < 0 {
		return errorf("gpio.decode_led_pin must be >= 0")
	}

	if cfg.Debugging.CaptureDir == "" {
		cfg.Debugging.CaptureDir = "."
	}
	if cfg.Debugging.CapturePattern == "" {
		cfg.Debugging.CapturePattern = "decode_%Y%m%d-%H%M%S"
	}

	return nil
}

func defaultSearch(cfg *Config) error {
	s := &cfg.Search
	if s.MinFreq == 0 {
		s.MinFreq = 400.05
	}
	if s.MaxFreq == 0 {
		s.MaxFreq = 403.0
	}
	if s.MinFreq <= 0 {
		return errorf("search.min_freq must be > 0")
	}
	if s.MinFreq >= s.MaxFreq {
		return errorf("search.min_freq must be < search.max_freq")
	}

	black := map[int64]bool{}
	for _, f := range s.Blacklist {
		black[Hz(f)] = true
	}
	for _, f := range s.Whitelist {
		if black[Hz(f)] {
			return errorf("search.whitelist entry %.3f is also blacklisted", f)
		}
	}
	for _, f := range s.Greylist {
		if black[Hz(f)] {
			return errorf("search.greylist entry %.3f is also blacklisted", f)
		}
	}

	if len(s.DetectOrder) == 0 {
		s.DetectOrder = append([]string(nil), SondeTypes...)
	}
	seen := map[string]bool{}
	for _, t := range s.DetectOrder {
		if !knownSondeType(t) {
			return errorf("search.detect_order: unknown sonde type %q", t)
		}
		if seen[t] {
			return errorf("search.detect_order: %q listed twice", t)
		}
		seen[t] = true
	}

	s.DetectMode = strings.ToLower(strings.TrimSpace(s.DetectMode))
	switch s.DetectMode {
	case "":
		s.DetectMode = "utility"
	case "utility", "trial":
	default:
		return errorf("search.detect_mode must be 'utility' or 'trial'")
	}
	return nil
}

func defaultAdvanced(a *AdvancedConfig) error {
	if a.SearchStep == 0 {
		a.SearchStep = 800
	}
	if a.SNRThreshold == 0 {
		a.SNRThreshold = 10
	}
	if a.MaxPeaks == 0 {
		a.MaxPeaks = 10
	}
	if a.MinDistance == 0 {
		a.MinDistance = 1000
	}
	if a.Quantization == 0 {
		a.Quantization = 10000
	}
	if a.ScanDwellTime == 0 {
		a.ScanDwellTime = 20 * time.Second
	}
	if a.DetectDwellTime == 0 {
		a.DetectDwellTime = 5 * time.Second
	}
	if a.ScanDelay == 0 {
		a.ScanDelay = 10 * time.Second
	}
	if a.RXTimeout == 0 {
		a.RXTimeout = 180 * time.Second
	}
	if a.TemporaryBlockTime == 0 {
		a.TemporaryBlockTime = 60 * time.Minute
	}
	if a.MaxDetectFailures == 0 {
		a.MaxDetectFailures = 3
	}
	if a.SDRFMPath == "" {
		a.SDRFMPath = "rtl_fm"
	}
	if a.SDRPowerPath == "" {
		a.SDRPowerPath = "rtl_power"
	}
	if a.SDRTestPath == "" {
		a.SDRTestPath = "rtl_test"
	}
	if a.RSPath == "" {
		a.RSPath = "./"
	}
	if a.DetectCommand == "" {
		a.DetectCommand = "dft_detect"
	}
	if a.RS92Ephemeris == "" {
		a.RS92Ephemeris = "ephemeris.dat"
	}

	if a.SearchStep < 0 {
		return errorf("advanced.search_step must be > 0")
	}
	if a.MaxPeaks < 0 {
		return errorf("advanced.max_peaks must be > 0")
	}
	if a.MinDistance < 0 {
		return errorf("advanced.min_distance must be > 0")
	}
	if a.Quantization < 0 {
		return errorf("advanced.quantization must be > 0")
	}
	if a.ScanDwellTime < 0 || a.DetectDwellTime < 0 || a.ScanDelay < 0 {
		return errorf("advanced dwell/delay times must be > 0")
	}
	if a.RXTimeout < 0 {
		return errorf("advanced.rx_timeout must be > 0")
	}
	if a.TemporaryBlockTime < 0 {
		return errorf("advanced.temporary_block_time must be > 0")
	}
	if a.MaxDetectFailures < 0 {
		return errorf("advanced.max_detect_failures must be > 0")
	}
	return nil
}

func defaultFiltering(f *FilteringConfig) error {
	if f.MaxAltitude == 0 {
		f.MaxAltitude = 50000
	}
	if f.MaxRadiusKm == 0 {
		f.MaxRadiusKm = 1000
	}
	if f.PayloadIDValid == 0 {
		f.PayloadIDValid = 5
	}
	if f.MaxAltitude < 0 {
		return errorf("filtering.max_altitude must be > 0")
	}
	if f.MaxRadiusKm < 0 {
		return errorf("filtering.max_radius_km must be > 0")
	}
	if f.PayloadIDValid < 0 {
		return errorf("filtering.payload_id_valid must be > 0")
	}
	return nil
}

func knownSondeType(t string) bool {
	for _, k := range SondeTypes {
		if k == t {
			return true
		}
	}
	return false
}
