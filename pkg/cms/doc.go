// Package cms moves fixed-size messages between real-time and
// non-real-time processes.
//
// A buffer holds the newest message written to it. Readers see only the
// newest message and are told when nothing new arrived since their last
// read; intermediate messages may be skipped. Buffers are defined by B
// lines and reached through P lines, both loaded with package nml.
//
// Three transports are supported:
//
//   - SHMEM maps a file under the shared memory directory. The first
//     participant allowed to initialize it wins; others attach.
//   - LOCAL shares one in-process buffer between the channels of a Factory.
//   - TCP runs a server that holds the buffer and mirrors every new message
//     to connected clients, which forward their writes to the server.
//
// Write and ReadInto never block, never take locks and never allocate, so
// they are safe to call from a periodic real-time goroutine:
//
//	f, err := cms.NewCatalogFactory(catalog, cms.Config{})
//	if err != nil {
//		return err
//	}
//	ch, err := f.Create(ctx, "emcStatus", "", false, false)
//	if err != nil {
//		return err
//	}
//	defer ch.Close()
//
//	buf := make([]byte, ch.Buffer().BufferSize)
//	for range ticker.C {
//		n, ok, err := ch.ReadInto(buf)
//		...
//	}
package cms
