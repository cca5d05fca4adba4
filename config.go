package routestore

import "os"

// DefaultEnvVar is the environment variable consulted for the redis
// connection string when the options carry none.
const DefaultEnvVar = "ROUTESTORE_REDIS_URL"

// ConnectionSource yields a candidate redis connection string. Sources
// are consulted in a fixed order, the first one that reports ok wins.
type ConnectionSource interface {
	ConnectionString() (string, bool)
}

// Static is a fixed connection string source. The empty string reports
// not ok, so that an unset option falls through to the next source.
type Static string

func (s Static) ConnectionString() (string, bool) {
	return string(s), s != ""
}

// Env reads the connection string from the named environment variable.
type Env string

func (e Env) ConnectionString() (string, bool) {
	v, ok := os.LookupEnv(string(e))
	return v, ok && v != ""
}

func connectionString(sources ...ConnectionSource) (string, error) {
	for _, s := range sources {
		if v, ok := s.ConnectionString(); ok {
			return v, nil
		}
	}

	return "", ErrNoConnectionString
}
