package config

import "github.com/spf13/viper"

// setDefaults sets the default values of every key.
func setDefaults(v *viper.Viper) {
	v.SetDefault("node_id", -1)
	v.SetDefault("iface", "eth0")
	v.SetDefault("servers", []string{"127.0.0.1"})
	v.SetDefault("mode", "matrix")

	v.SetDefault("ports.overlay", 9001)
	v.SetDefault("ports.rpc", 9003)
	v.SetDefault("ports.metrics", 0)

	v.SetDefault("batch.max", 100)
	v.SetDefault("batch.send_timeout", "10us")
	v.SetDefault("batch.header_interval", "1ms")
	v.SetDefault("batch.check_interval", "1ms")
	v.SetDefault("batch.recycle_interval", "1ms")
	v.SetDefault("batch.forward", true)
	v.SetDefault("batch.forward_interval", "10ms")
	v.SetDefault("batch.suspend_buffer", 100000)
	v.SetDefault("batch.repair_max", 1000)

	v.SetDefault("tracker.deliver_timeout", "1ms")
	v.SetDefault("tracker.check_interval", "5ms")

	v.SetDefault("heartbeat.interval", "1s")
	v.SetDefault("heartbeat.retries", 1)

	v.SetDefault("collector.abort_wait", "1ms")
	v.SetDefault("collector.retry_interval", "100ms")

	v.SetDefault("journal.backend", "memory")
	v.SetDefault("journal.path", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}
