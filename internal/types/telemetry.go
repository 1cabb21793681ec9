package types

// Telemetry metric names for CloudWatch.
const (
	MetricJobFired            = "JobFired"
	MetricJobFailed           = "JobFailed"
	MetricStepEntered         = "StepEntered"
	MetricItemsGranted        = "ItemsGranted"
	MetricCheckBlocked        = "CheckBlocked"
	MetricOnboardingStarted   = "OnboardingStarted"
	MetricOnboardingCompleted = "OnboardingCompleted"
	MetricPendingJobs         = "PendingJobs"

	DimStep   = "Step"
	DimSource = "Source"

	MetricNamespace = "BagOnboarding"
)
