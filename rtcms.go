// Package rtcms reads NML buffer configuration and opens CMS channels over
// shared memory, in-process memory or TCP.
//
// Example usage:
//
//	catalog := rtcms.NewCatalog()
//	if _, err := catalog.Load("/etc/cms/motion.nml"); err != nil {
//	    log.Fatal(err)
//	}
//	factory, err := rtcms.NewFactory(catalog, rtcms.FactoryConfig{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer factory.Close()
//	ch, err := factory.Create(ctx, "status", "", false, false)
package rtcms

import (
	"github.com/bft-labs/rtcms/pkg/cms"
	"github.com/bft-labs/rtcms/pkg/nml"
)

// Catalog holds the buffer and process lines of every loaded NML file.
type Catalog = nml.Catalog

// FactoryConfig holds the channel factory settings.
// Zero fields take their defaults.
type FactoryConfig = cms.Config

// Factory opens channels for the buffers described by a catalog.
type Factory = cms.Factory

// Channel is an open connection to one CMS buffer.
type Channel = cms.Channel

// Message is one buffer value with its write sequence.
type Message = cms.Message

// NewCatalog returns an empty catalog.
func NewCatalog(opts ...nml.Option) *Catalog {
	return nml.NewCatalog(opts...)
}

// NewFactory creates a channel factory over the lines of c.
func NewFactory(c *Catalog, cfg FactoryConfig, opts ...cms.Option) (*Factory, error) {
	return cms.NewCatalogFactory(c, cfg, opts...)
}
