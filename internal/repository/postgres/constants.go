package postgres

const (
	// MVTExtent and MVTBuffer parameterize ST_AsMVTGeom on the direct-render path.
	MVTExtent = 4096
	MVTBuffer = 256

	// shadowSuffix and retiredSuffix name the transient tables used by the
	// base-table rebuild swap.
	shadowSuffix  = "_rebuild"
	retiredSuffix = "_old"

	// newIndexSuffix marks indexes created on a shadow table until the swap
	// frees the original names.
	newIndexSuffix = "_new"
)
