package main

import (
	"fmt"
	"math"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/brusselsmonitor/monitor/internal/email"
	"github.com/brusselsmonitor/monitor/internal/krypto"
)

// httpConfig is the configuration for the HTTP server.
type httpConfig struct {
	addr            string
	readTimeout     time.Duration
	writeTimeout    time.Duration
	idleTimeout     time.Duration
	shutdownTimeout time.Duration
}

// emailConfig selects and configures the outgoing email provider.
type emailConfig struct {
	// provider is one of "log", "postmark" or "mailgun".
	provider string
	from     email.Address

	postmarkAPIURL        *url.URL
	postmarkServerToken   krypto.Secret
	postmarkMessageStream string

	mailgunAPIHost  string
	mailgunDomain   string
	mailgunUsername string
	mailgunPassword krypto.Secret
}

// storeConfig selects and configures the contact store.
type storeConfig struct {
	// kind is one of "sqlite" or "brevo".
	kind string

	dbFile         string
	encryptionKeys []krypto.Key
	blindIndexKey  krypto.Key

	brevoAPIURL *url.URL
	brevoAPIKey krypto.Secret
}

// config is the configuration for the server command.
type config struct {
	http  httpConfig
	email emailConfig
	store storeConfig

	baseURL string

	signingSecret       krypto.Secret
	legacySigningSecret krypto.Secret

	adminAddr         email.Address
	adminPasswordHash krypto.Argon2Hash

	csrfKey      krypto.Key
	sessionKey   krypto.Key
	secureCookie bool

	rateLimitMax    int
	rateLimitWindow time.Duration

	githubAPIURL *url.URL
	githubOwner  string
	githubRepo   string
	githubBranch string
	githubToken  krypto.Secret
}

// defaultConfig returns a config with sane default values.
func defaultConfig() config {
	githubAPIURL, err := url.Parse("https://api.github.com")
	if err != nil {
		panic("failed to parse default github api url: " + err.Error())
	}

	postmarkAPIURL, err := url.Parse("https://api.postmarkapp.com/email")
	if err != nil {
		panic("failed to parse default postmark api url: " + err.Error())
	}

	brevoAPIURL, err := url.Parse("https://api.brevo.com")
	if err != nil {
		panic("failed to parse default brevo api url: " + err.Error())
	}

	return config{
		http: httpConfig{
			addr:            ":8888",
			readTimeout:     time.Second * 5,
			writeTimeout:    time.Second * 10,
			idleTimeout:     time.Second * 120,
			shutdownTimeout: time.Second * 15,
		},
		email: emailConfig{
			provider:              "log",
			postmarkAPIURL:        postmarkAPIURL,
			postmarkMessageStream: "outbound",
			mailgunAPIHost:        "api.eu.mailgun.net",
		},
		store: storeConfig{
			kind:        "sqlite",
			dbFile:      "monitor.db",
			brevoAPIURL: brevoAPIURL,
		},
		secureCookie:    true,
		rateLimitMax:    5,
		rateLimitWindow: time.Minute,
		githubAPIURL:    githubAPIURL,
		githubBranch:    "main",
	}
}

// envMap maps environment variable names to fields in the config struct.
var envMap = map[string]func(v string, c *config) error{
	"HTTP_ADDR": func(v string, c *config) error {
		c.http.addr = v
		return nil
	},
	"HTTP_READ_TIMEOUT": func(v string, c *config) error {
		return confDuration(v, &c.http.readTimeout, 0, math.MaxInt64)
	},
	"HTTP_WRITE_TIMEOUT": func(v string, c *config) error {
		return confDuration(v, &c.http.writeTimeout, 0, math.MaxInt64)
	},
	"HTTP_IDLE_TIMEOUT": func(v string, c *config) error {
		return confDuration(v, &c.http.idleTimeout, 0, math.MaxInt64)
	},
	"HTTP_SHUTDOWN_TIMEOUT": func(v string, c *config) error {
		return confDuration(v, &c.http.shutdownTimeout, 0, math.MaxInt64)
	},
	"BASE_URL": func(v string, c *config) error {
		c.baseURL = v
		return nil
	},
	"SIGNING_SECRET": func(v string, c *config) error {
		c.signingSecret = krypto.NewSecret(v)
		return nil
	},
	"LEGACY_SIGNING_SECRET": func(v string, c *config) error {
		c.legacySigningSecret = krypto.NewSecret(v)
		return nil
	},
	"EMAIL_PROVIDER": func(v string, c *config) error {
		if v != "log" && v != "postmark" && v != "mailgun" {
			return fmt.Errorf("unknown email provider %q", v)
		}
		c.email.provider = v
		return nil
	},
	"EMAIL_FROM": func(v string, c *config) error {
		return confEmail(v, &c.email.from)
	},
	"POSTMARK_API_URL": func(v string, c *config) error {
		return confURL(v, &c.email.postmarkAPIURL)
	},
	"POSTMARK_SERVER_TOKEN": func(v string, c *config) error {
		c.email.postmarkServerToken = krypto.NewSecret(v)
		return nil
	},
	"POSTMARK_MESSAGE_STREAM": func(v string, c *config) error {
		c.email.postmarkMessageStream = v
		return nil
	},
	"MAILGUN_API_HOST": func(v string, c *config) error {
		c.email.mailgunAPIHost = v
		return nil
	},
	"MAILGUN_DOMAIN": func(v string, c *config) error {
		c.email.mailgunDomain = v
		return nil
	},
	"MAILGUN_USERNAME": func(v string, c *config) error {
		c.email.mailgunUsername = v
		return nil
	},
	"MAILGUN_PASSWORD": func(v string, c *config) error {
		c.email.mailgunPassword = krypto.NewSecret(v)
		return nil
	},
	"CONTACT_STORE": func(v string, c *config) error {
		if v != "sqlite" && v != "brevo" {
			return fmt.Errorf("unknown contact store %q", v)
		}
		c.store.kind = v
		return nil
	},
	"DB_FILE": func(v string, c *config) error {
		c.store.dbFile = v
		return nil
	},
	"ENCRYPTION_KEYS": func(v string, c *config) error {
		return confKeys(v, &c.store.encryptionKeys)
	},
	"BLIND_INDEX_KEY": func(v string, c *config) error {
		return confKey(v, &c.store.blindIndexKey)
	},
	"BREVO_API_URL": func(v string, c *config) error {
		return confURL(v, &c.store.brevoAPIURL)
	},
	"BREVO_API_KEY": func(v string, c *config) error {
		c.store.brevoAPIKey = krypto.NewSecret(v)
		return nil
	},
	"ADMIN_ADDR": func(v string, c *config) error {
		return confEmail(v, &c.adminAddr)
	},
	"ADMIN_PASSWORD_HASH": func(v string, c *config) error {
		hash, err := krypto.ParseArgon2Hash(v)
		if err != nil {
			return err
		}
		c.adminPasswordHash = hash
		return nil
	},
	"CSRF_KEY": func(v string, c *config) error {
		return confKey(v, &c.csrfKey)
	},
	"SESSION_KEY": func(v string, c *config) error {
		return confKey(v, &c.sessionKey)
	},
	"SECURE_COOKIE": func(v string, c *config) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.secureCookie = b
		return nil
	},
	"RATE_LIMIT_MAX": func(v string, c *config) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		if n < 1 {
			return fmt.Errorf("rate limit max %d is below 1", n)
		}
		c.rateLimitMax = n
		return nil
	},
	"RATE_LIMIT_WINDOW": func(v string, c *config) error {
		return confDuration(v, &c.rateLimitWindow, time.Second, math.MaxInt64)
	},
	"GITHUB_API_URL": func(v string, c *config) error {
		return confURL(v, &c.githubAPIURL)
	},
	"GITHUB_OWNER": func(v string, c *config) error {
		c.githubOwner = v
		return nil
	},
	"GITHUB_REPO": func(v string, c *config) error {
		c.githubRepo = v
		return nil
	},
	"GITHUB_BRANCH": func(v string, c *config) error {
		c.githubBranch = v
		return nil
	},
	"GITHUB_TOKEN": func(v string, c *config) error {
		c.githubToken = krypto.NewSecret(v)
		return nil
	},
}

// configFromEnv returns a config with values from the environment. It falls
// back to default values for any missing environment variables.
//
// It does a best effort to validate provided values, so that mistakes are
// caught ASAP. However, there is no guarantee that the returned config
// is valid and will work.
func configFromEnv() (config, error) {
	c := defaultConfig()

	for key, mf := range envMap {
		if val, ok := os.LookupEnv(key); ok {
			if err := mf(val, &c); err != nil {
				return c, fmt.Errorf("invalid env variable %s: %w", key, err)
			}
		}
	}

	return c, c.validate()
}

// validate fails fast on missing values the server can't run without.
func (c config) validate() error {
	if c.signingSecret.IsZero() {
		return fmt.Errorf("SIGNING_SECRET is required")
	}

	if c.email.from == "" {
		return fmt.Errorf("EMAIL_FROM is required")
	}

	if c.adminAddr == "" {
		return fmt.Errorf("ADMIN_ADDR is required")
	}

	if len(c.adminPasswordHash.Hash) == 0 {
		return fmt.Errorf("ADMIN_PASSWORD_HASH is required")
	}

	if c.csrfKey.IsZero() || c.sessionKey.IsZero() {
		return fmt.Errorf("CSRF_KEY and SESSION_KEY are required")
	}

	if c.store.kind == "sqlite" {
		if len(c.store.encryptionKeys) == 0 || c.store.blindIndexKey.IsZero() {
			return fmt.Errorf("ENCRYPTION_KEYS and BLIND_INDEX_KEY are required for the sqlite store")
		}
	}

	if c.store.kind == "brevo" && c.store.brevoAPIKey.IsZero() {
		return fmt.Errorf("BREVO_API_KEY is required for the brevo store")
	}

	switch c.email.provider {
	case "postmark":
		if c.email.postmarkServerToken.IsZero() {
			return fmt.Errorf("POSTMARK_SERVER_TOKEN is required for the postmark provider")
		}
	case "mailgun":
		if c.email.mailgunDomain == "" || c.email.mailgunUsername == "" || c.email.mailgunPassword.IsZero() {
			return fmt.Errorf("MAILGUN_DOMAIN, MAILGUN_USERNAME and MAILGUN_PASSWORD are required for the mailgun provider")
		}
	}

	return nil
}

// confDuration attempts to parse v into tgt and checks if the result is in
// the provided range (inclusive).
func confDuration(v string, tgt *time.Duration, min, max time.Duration) error {
	dur, err := time.ParseDuration(v)
	if err != nil {
		return err
	}

	if dur < min || dur > max {
		return fmt.Errorf("duration %s not in range [%s, %s] (inclusive)", dur, min, max)
	}

	*tgt = dur

	return nil
}

func confEmail(v string, tgt *email.Address) error {
	addr, err := email.ParseAddress(v)
	if err != nil {
		return err
	}

	*tgt = addr

	return nil
}

func confURL(v string, tgt **url.URL) error {
	u, err := url.Parse(v)
	if err != nil {
		return err
	}

	*tgt = u

	return nil
}

func confKey(v string, tgt *krypto.Key) error {
	key, err := krypto.ParseKey(v)
	if err != nil {
		return err
	}

	*tgt = key

	return nil
}

func confKeys(v string, tgt *[]krypto.Key) error {
	keys, err := krypto.ParseKeys(v)
	if err != nil {
		return err
	}

	*tgt = keys

	return nil
}
