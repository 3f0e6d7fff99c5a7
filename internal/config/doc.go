// Package config loads the daemon's JSON configuration file and fills
// in defaults for anything the operator left unset: listen address,
// logging, storage/notify/cache drivers, chain RPC, aggregator endpoints
// and the custody/trading parameters.
package config
