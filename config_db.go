package docstore

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DBSettings describes how to reach the database. Either URL or Address
// must be set; credentials are only used with Address.
type DBSettings struct {
	URL                string `yaml:"url" json:"url" envconfig:"URI"`
	Address            string `yaml:"address" json:"address" envconfig:"ADDRESS"`
	Username           string `yaml:"username" json:"username" envconfig:"USERNAME"`
	Password           string `yaml:"password" json:"-" envconfig:"PASSWORD"`
	DB                 string `yaml:"db" json:"db" envconfig:"DB"`
	AppName            string `yaml:"app_name" json:"app_name" envconfig:"APP_NAME"`
	ConnectTimeoutSecs int    `yaml:"connect_timeout_secs" json:"connect_timeout_secs" envconfig:"TIMEOUT_SECS"`
	PingAttempts       int    `yaml:"ping_attempts" json:"ping_attempts" envconfig:"PING_ATTEMPTS"`
	// Compressors is a comma separated list, e.g. "snappy,zstd(3),zlib".
	Compressors string `yaml:"compressors" json:"compressors" envconfig:"COMPRESSORS"`
}

// LoadEnv overlays any MONGO_* variables present in the process
// environment onto the settings. Unset variables leave fields untouched.
func (s *DBSettings) LoadEnv() error {
	return errors.Wrap(envconfig.Process(EnvPrefix, s), "reading database settings from environment")
}

func (s *DBSettings) ValidateAndDefault() error {
	if s.URL == "" && s.Address == "" {
		return errors.New("must specify either a full URI or an address")
	}
	if s.URL == "" && s.Username != "" && s.Password == "" {
		return errors.New("username specified without a password")
	}
	if s.DB == "" {
		return errors.New("database name must be specified")
	}
	if s.ConnectTimeoutSecs < 0 {
		return errors.New("connect timeout cannot be negative")
	}
	if _, err := ParseCompressors(s.Compressors); err != nil {
		return errors.WithStack(err)
	}
	if s.AppName == "" {
		s.AppName = DefaultAppName
	}
	if s.PingAttempts <= 0 {
		s.PingAttempts = DefaultPingAttempts
	}
	return nil
}

// URI resolves the connection string. An explicit URL always wins.
func (s *DBSettings) URI() (string, error) {
	if s.URL != "" {
		return s.URL, nil
	}
	if s.Address == "" {
		return "", errors.New("must specify either a full URI or an address, got neither")
	}
	if s.Username == "" {
		return fmt.Sprintf("mongodb://%s", s.Address), nil
	}
	if s.Password == "" {
		return "", errors.New("username specified without a password")
	}

	return fmt.Sprintf("mongodb://%s:%s@%s", s.Username, s.Password, s.Address), nil
}

func (s *DBSettings) ConnectTimeout() time.Duration {
	if s.ConnectTimeoutSecs <= 0 {
		return DefaultConnectTimeout
	}
	return time.Duration(s.ConnectTimeoutSecs) * time.Second
}

// ClientOptions builds driver options from the settings.
func (s *DBSettings) ClientOptions() (*options.ClientOptions, error) {
	uri, err := s.URI()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	appName := s.AppName
	if appName == "" {
		appName = DefaultAppName
	}

	opts := options.Client().
		ApplyURI(uri).
		SetAppName(appName).
		SetConnectTimeout(s.ConnectTimeout())

	compressors, err := ParseCompressors(s.Compressors)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(compressors) > 0 {
		names := make([]string, 0, len(compressors))
		for _, c := range compressors {
			names = append(names, c.Name)
			if c.Level == nil {
				continue
			}
			switch c.Name {
			case CompressorZstd:
				opts.SetZstdLevel(*c.Level)
			case CompressorZlib:
				opts.SetZlibLevel(*c.Level)
			}
		}
		opts.SetCompressors(names)
	}

	return opts, nil
}

const (
	CompressorSnappy = "snappy"
	CompressorZstd   = "zstd"
	CompressorZlib   = "zlib"
)

// Compressor is one entry of a wire compression list. Level is nil when
// the driver default should be used.
type Compressor struct {
	Name  string
	Level *int
}

// ParseCompressors parses a comma separated compressor list such as
// "snappy,zstd(5),zlib(9)". An empty string yields no compressors.
func ParseCompressors(in string) ([]Compressor, error) {
	if strings.TrimSpace(in) == "" {
		return nil, nil
	}

	var out []Compressor
	for _, part := range strings.Split(in, ",") {
		c, err := parseCompressor(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		out = append(out, c)
	}

	return out, nil
}

func parseCompressor(in string) (Compressor, error) {
	name, arg, hasLevel := strings.Cut(in, "(")
	switch name {
	case CompressorSnappy:
		if hasLevel {
			return Compressor{}, errors.New("snappy does not accept a compression level")
		}
		return Compressor{Name: CompressorSnappy}, nil
	case CompressorZstd:
		return parseLeveledCompressor(CompressorZstd, arg, hasLevel, 1, 22)
	case CompressorZlib:
		return parseLeveledCompressor(CompressorZlib, arg, hasLevel, 0, 9)
	default:
		return Compressor{}, errors.Errorf("unrecognized compressor '%s'", in)
	}
}

func parseLeveledCompressor(name, arg string, hasLevel bool, min, max int) (Compressor, error) {
	if !hasLevel {
		return Compressor{Name: name}, nil
	}
	if !strings.HasSuffix(arg, ")") {
		return Compressor{}, errors.Errorf("%s compression level is missing a closing parenthesis", name)
	}

	level, err := strconv.Atoi(strings.TrimSuffix(arg, ")"))
	if err != nil {
		return Compressor{}, errors.Wrapf(err, "%s compression level must be an integer", name)
	}
	if level < min || level > max {
		return Compressor{}, errors.Errorf("%s compression level must be between %d and %d, got %d", name, min, max, level)
	}

	return Compressor{Name: name, Level: &level}, nil
}
