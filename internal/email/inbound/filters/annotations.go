package filters

const (
	AnnotationIgnoreMessage        = "postmaster.ignore_message"
	AnnotationIgnoreReason         = "postmaster.ignore_reason"
	AnnotationPriorityOverride     = "postmaster.priority_override"
	AnnotationDepartmentIDOverride = "postmaster.department_id_override"
	AnnotationCategoryIDOverride   = "postmaster.category_id_override"
	AnnotationTrustedHeaderPrefix  = "postmaster.trusted_header."
)
