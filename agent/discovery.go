package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/golang/glog"
	"github.com/grandcat/zeroconf"
)

const serviceName = "_collabtext._tcp"

// advertise registers the agent over mDNS until ctx is done and logs the
// other agents found on the local network.
func advertise(ctx context.Context, workspaceID string, port int) {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("%s-%s", "CollabText", host),
		serviceName,
		"local.",
		port,
		[]string{"txtv=0", "workspace=" + workspaceID},
		nil,
	)
	if err != nil {
		glog.Warningf("Failed to register mDNS service: %v", err)
		return
	}
	defer server.Shutdown()
	glog.Infof("mDNS Service registered: %s on port %d", serviceName, port)

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		glog.Warningf("Failed to initialize mDNS resolver: %v", err)
		<-ctx.Done()
		return
	}
	entries := make(chan *zeroconf.ServiceEntry)
	go func(results <-chan *zeroconf.ServiceEntry) {
		for entry := range results {
			if len(entry.AddrIPv4) == 0 {
				continue
			}
			glog.Infof("mDNS Discovered peer: %s at %s:%d %v", entry.Instance, entry.AddrIPv4[0], entry.Port, entry.Text)
		}
	}(entries)
	browseCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := resolver.Browse(browseCtx, serviceName, "local.", entries); err != nil {
		glog.Warningf("Failed to browse for mDNS services: %v", err)
	}
	<-browseCtx.Done()
	glog.V(1).Infof("mDNS browsing finished.")
	<-ctx.Done()
}
