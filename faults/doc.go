// Package faults classifies authorization-flow failures into a recovery
// taxonomy and centralizes retry, fallback, and notification-suppression
// policy. Every network-calling component in this module reports errors
// through this package rather than implementing its own delay loops.
package faults
