// Package extract defines the domain model shared by the extraction pipeline:
// targets and selector rules, per-target fetch options, results, jobs, the
// error taxonomy, and the interfaces implemented by fetchers, stores and
// publishers.
package extract
