// Package output renders command results for statemesh-server.
//
// Results print as an aligned table by default, or as JSON or YAML for
// scripting. Types that know their own tabular shape implement Tabular;
// anything else falls back to JSON in table mode.
package output
