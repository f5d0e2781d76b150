// Package solve defines the domain types shared across the calibration
// pipeline: solve stages and their parameters, calibration tables, the
// dataset view the orchestrator is allowed to see, and the Solver
// capability boundary behind which the numerical engine lives.
package solve
