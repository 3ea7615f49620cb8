package config

import (
	"os"
	"sync"
)

const dockerHostGateway = "host.docker.internal"

var (
	isDockerOnce   sync.Once
	isDockerResult bool
)

// IsRunningInDocker reports whether /.dockerenv exists. Cached after the first call.
func IsRunningInDocker() bool {
	isDockerOnce.Do(func() {
		_, err := os.Stat("/.dockerenv")
		isDockerResult = err == nil
	})
	return isDockerResult
}

// resolveLoopback maps a loopback host onto the Docker host gateway when
// inDocker is set, so a reader in a container can reach a store or source
// database published on the host machine.
func resolveLoopback(host string, inDocker bool) string {
	if !inDocker {
		return host
	}
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return dockerHostGateway
	}
	return host
}

// resolveDockerHosts rewrites loopback database hosts when running in a container.
func (c *Config) resolveDockerHosts(inDocker bool) {
	c.Database.Host = resolveLoopback(c.Database.Host, inDocker)
	c.Source.Host = resolveLoopback(c.Source.Host, inDocker)
	c.Redis.Host = resolveLoopback(c.Redis.Host, inDocker)
}
