// Package domain models the entities of the environmental sensor network.
//
// # Stations, sensors and deployments
//
// A Station is a fixed geographic measurement site. A Sensor is a physical
// device that exists independently of any site. The two are tied together by
// a Deployment, which binds one sensor to one station for the half-open
// interval [SetupAt, TeardownAt); a nil TeardownAt means the deployment is
// still active. A station may host several sensors at once (a biomet station
// runs an ATM41 next to a black-globe sensor), but a sensor can only ever be
// in one place at a time: deployment intervals for a fixed sensor must be
// pairwise disjoint. Overlaps are data-entry errors and are surfaced loudly
// rather than arbitrated; silently picking a winner would attribute
// real-world measurements to the wrong site.
//
// # Readings and flags
//
// A Reading is one timestamped observation of one quantity from one sensor.
// It is attributed to the station whose deployment covered its timestamp, or
// left unattributed when no deployment did (late data after a sensor swap
// ends up here instead of being discarded). Readings are immutable once
// quality control has run; only their flags may change.
//
// A Flag is one check's verdict on one reading. Each check kind produces at
// most one flag per reading; re-running quality control replaces the verdict
// in place, so a rerun over unchanged data is idempotent.
//
// # Aggregates
//
// An AggregateRow summarizes the QC-accepted readings of one station and
// quantity over an hourly or daily bucket. Rows hold nothing that cannot be
// recomputed from readings and flags, which is what makes the daily full
// refresh a safe self-healing mechanism after manual data corrections.
package domain
