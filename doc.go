// Package tirion is the client side of the tirion monitoring protocol. It lets
// a process publish live numeric metrics to a tirion agent running next to it.
//
// Metric values live in a System V shared memory segment created by the agent;
// updating one is a plain memory write, so metrics can be touched from a hot
// loop. A unix socket carries the handshake, tags and commands from the agent.
//
// Design goals:
//   - No allocation, locking or syscalls on metric updates
//   - One command listener goroutine per client, stopped by Close
//   - Out-of-range metric indices are ignored instead of failing
//
// Basic usage:
//
//	config := tirion.DefaultConfig()
//	config.Socket = "/tmp/tirion.sock"
//
//	c, err := tirion.New(config)
//	if err != nil {
//	  log.Fatal(err)
//	}
//	if err := c.Init(ctx); err != nil {
//	  log.Fatal(err)
//	}
//	defer c.Destroy()
//	defer c.Close()
//
//	for c.Running() {
//	  c.Inc(0)
//	  c.Add(2, 0.3)
//	}
//	c.Tag("index 0 is %f", c.Get(0))
package tirion
