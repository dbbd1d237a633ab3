// Package reconcile runs the periodic pull/push cycle between the local
// context store and the transports. The Clock abstraction lets tests drive
// cycles by hand instead of sleeping.
package reconcile
