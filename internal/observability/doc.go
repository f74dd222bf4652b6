// Package observability provides logging and metrics support for the
// analysis service.
//
// # Logging
//
// Create a logger from configuration:
//
//	cfg := observability.LoggingConfig{
//	    Level:  "info",
//	    Format: "json",
//	    Output: "stdout",
//	}
//
//	logger := observability.NewLogger(cfg)
//	logger.Info().Str("case_id", caseID).Msg("analysis started")
//
// Add workflow context to a logger:
//
//	logger = observability.WithWorkflowContext(logger, "case-analysis", instanceID)
//
// # Metrics
//
// Initialize metrics once at startup and pass the instance down:
//
//	metrics := observability.NewMetrics("analysis_service")
//	metrics.RecordWorkflowStarted("case-analysis")
//
// # Standard Fields
//
// Common fields used across the service:
//
//   - case_id: Forensic case identifier
//   - workflow: Workflow definition name
//   - instance_id: Workflow instance identifier
//   - step: Step name within a workflow
//
// # Thread Safety
//
// All components are safe for concurrent use from multiple goroutines.
package observability
