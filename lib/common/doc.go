// Package common holds the configuration structs and the logger factory
// shared by the kscan library packages and the command line interface.
//
// All packages obtain their logger through dragonboat's logger registry:
//
//	var Logger = logger.GetLogger("scan")
//
// InitLoggers replaces the default factory with the kscan formatter and sets
// the level of every known logger at once.
package common
