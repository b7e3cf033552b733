package config

import (
	"flag"
	"time"

	"github.com/dmitrijs2005/opsportal/internal/flagx"
)

// parseFlags populates Config fields from command-line flags.
//
// Supported flags:
//
//	-a string        HTTP bind address (e.g., ":8080")
//	-grpc string     gRPC health bind address (e.g., ":50051")
//	-d string        PostgreSQL DSN
//	-s string        root secret key
//	-t int           access token validity, minutes
//	-u string        S3 root user
//	-p string        S3 root password
//	-b string        S3 bucket name
//	-g string        S3 region
//	-e string        S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//	-path-style      address buckets by path instead of virtual host
//	-l string        public base URL used in generated links
//	-redis string    Redis address for notification fan-out
//	-log string      log level
//
// Duration flags are accepted as integers in minutes.
func parseFlags(config *Config, args []string) {
	args = flagx.FilterArgs(args,
		[]string{"-a", "-grpc", "-d", "-s", "-t", "-u", "-p", "-b", "-g", "-e", "-l", "-redis", "-log"},
		"-path-style")

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddrHTTP, "a", config.EndpointAddrHTTP, "address and port to run HTTP server")
	fs.StringVar(&config.EndpointAddrGRPC, "grpc", config.EndpointAddrGRPC, "address and port to run gRPC health server")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")

	accessTokenValidityDuration := fs.Int("t", int(config.AccessTokenValidityDuration.Minutes()), "access_token_validity_duration (in minutes)")

	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 root user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 root password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")
	fs.BoolVar(&config.S3UsePathStyle, "path-style", config.S3UsePathStyle, "S3 path-style addressing")
	fs.StringVar(&config.PublicBaseURL, "l", config.PublicBaseURL, "public base URL for links")
	fs.StringVar(&config.RedisAddr, "redis", config.RedisAddr, "redis address for notifications")
	fs.StringVar(&config.LogLevel, "log", config.LogLevel, "log level")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.AccessTokenValidityDuration = time.Duration(*accessTokenValidityDuration) * time.Minute
}
