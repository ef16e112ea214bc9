// Package nml reads NML/CMS configuration files into process-wide registries.
//
// A configuration file is line oriented and whitespace delimited, with '#'
// starting a comment line:
//
//	# name        size  depth neutral
//	B emcStatus   8192  1     0
//	B emcCommand  2048  4     1   firmware=mesa7i96.bit
//
//	# name        kind  params...         options
//	P emcStatus   SHMEM 1001
//	P emcCommand  TCP   motion-host 5005  server=1
//	P simStatus   LOCAL                   buffer=emcStatus
//
//	S emcCommand  0
//
// B lines define buffers, P lines bind a buffer to a transport and S lines
// override the server flag of a P line. Trailing key=value tokens are options.
//
// [BufferLineRegistry] and [ProcessLineRegistry] are keyed by file path: Load
// registers every line a file contributes, Unload removes exactly those lines.
// Loads are all-or-nothing and lookups are lock-free, so a real-time task may
// call Find while a supervisory goroutine reloads. [Catalog] loads a file into
// both registries at once and [Watcher] reloads it when it changes on disk.
package nml
