package config // package config loads application configuration from environment variables

import (
    "log"     // log reports configuration errors and halts execution before the zap logger exists
    "os"      // os provides access to environment variables
    "strconv" // strconv converts strings to other types
    "strings"
    "time"

    "github.com/joho/godotenv"
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable.  Required keys are enforced by must(); optional
// keys fall back to defaults through the env* helpers.
type Config struct {
    Env  string // application environment (e.g. "development", "production")
    Port string // HTTP port to listen on

    StoreDriver       string        // "mysql" or "memory"
    StorePollInterval time.Duration // how often the MySQL change feed polls
    DBUser            string        // database username
    DBPass            string        // database password (optional)
    DBHost            string        // database host address
    DBPort            string        // database port number
    DBName            string        // database name

    JWTSecret    string // secret used to sign and verify JWTs
    AccessTTLMin int    // lifetime of tokens minted by fleetctl

    RabbitURL   string // AMQP broker; empty disables events and the position queue
    EventLogDir string // directory of reservation.log written by the event consumer

    MQTTBrokerURL string // MQTT broker; empty disables telemetry ingestion
    MQTTTopic     string // telemetry topic filter
    MQTTClientID  string
    MQTTUsername  string
    MQTTPassword  string

    GTFSRTURL          string        // GTFS-RT VehiclePositions feed; empty disables polling
    GTFSRTPollInterval time.Duration

    RoutesFile           string        // YAML route definitions; built-in corridor when missing
    DefaultRoute         string        // route used for vehicles whose route is unknown
    DirectionsURL        string        // routing provider; empty uses straight lines between stops
    DirectionsAPIKey     string
    RouteRefreshInterval time.Duration

    ETASpeedMps     float64       // assumed average speed for ETAs
    OnlineStaleness time.Duration // a vehicle is online while its last report is younger than this

    ReservationMaxAttempts int
    ReservationTimeout     time.Duration
}

// LoadDotEnv loads .env into the process environment when present.
// Existing variables win.
func LoadDotEnv() {
    if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
        log.Printf("config: .env not loaded: %v", err)
    }
}

// Load reads configuration values from environment variables and returns a
// Config.  Missing required values cause the program to exit with a fatal
// log message.  Database variables are only required for the mysql driver.
func Load() Config {
    c := Config{
        Env:               must("APP_ENV"),
        Port:              must("APP_PORT"),
        StoreDriver:       strings.ToLower(envStr("STORE_DRIVER", "mysql")),
        StorePollInterval: envDur("STORE_POLL_INTERVAL", time.Second),
        JWTSecret:         must("JWT_SECRET"),
        AccessTTLMin:      envInt("ACCESS_TOKEN_TTL_MIN", 60),

        RabbitURL:   os.Getenv("RABBITMQ_URL"),
        EventLogDir: envStr("EVENT_LOG_DIR", "logs"),

        MQTTBrokerURL: os.Getenv("MQTT_BROKER_URL"),
        MQTTTopic:     envStr("MQTT_TOPIC", "fleet/+/position"),
        MQTTClientID:  envStr("MQTT_CLIENT_ID", "transit-ingest"),
        MQTTUsername:  os.Getenv("MQTT_USERNAME"),
        MQTTPassword:  os.Getenv("MQTT_PASSWORD"),

        GTFSRTURL:          os.Getenv("GTFSRT_VEHICLE_POSITIONS_URL"),
        GTFSRTPollInterval: envDur("GTFSRT_POLL_INTERVAL", 15*time.Second),

        RoutesFile:           envStr("ROUTES_FILE", "routes.yaml"),
        DefaultRoute:         os.Getenv("DEFAULT_ROUTE"),
        DirectionsURL:        os.Getenv("DIRECTIONS_URL"),
        DirectionsAPIKey:     os.Getenv("DIRECTIONS_API_KEY"),
        RouteRefreshInterval: envDur("ROUTE_REFRESH_INTERVAL", time.Minute),

        ETASpeedMps:     envFloat("ETA_ASSUMED_SPEED_MPS", 30.0*1000/3600),
        OnlineStaleness: envDur("ONLINE_STALENESS", 2*time.Minute),

        ReservationMaxAttempts: envInt("RESERVATION_MAX_ATTEMPTS", 3),
        ReservationTimeout:     envDur("RESERVATION_TIMEOUT", 5*time.Second),
    }
    if c.StoreDriver == "mysql" {
        c.DBUser = must("DB_USER")
        c.DBPass = os.Getenv("DB_PASS") // empty allowed
        c.DBHost = must("DB_HOST")
        c.DBPort = must("DB_PORT")
        c.DBName = must("DB_NAME")
    }
    return c
}

// must retrieves the value of a required environment variable.  If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
    v, ok := os.LookupEnv(key)
    if !ok || v == "" {
        log.Fatalf("missing required env var: %s", key)
    }
    return v
}

func envFloat(k string, d float64) float64 {
    v := os.Getenv(k)
    if v == "" {
        return d
    }
    if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
        return f
    }
    return d
}
