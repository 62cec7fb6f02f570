package featureflag

type Flag string

const (
	// Loads the tiles around a viewer before rendering each frame instead of
	// queuing them for the background loader.
	FlagSyncLoad Flag = "SYNC_LOAD"

	FlagDisableGarbageCollect Flag = "DISABLE_GARBAGE_COLLECT"

	// Frames only carry tile counts.
	FlagDisableFrameTiles Flag = "DISABLE_FRAME_TILES"
)
