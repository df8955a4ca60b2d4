package util

import "fmt"

// RunDirName is the data directory name of a segment's history output.
func RunDirName(index int) string {
	return fmt.Sprintf("run%04d", index)
}

// RestartDirName is the data directory name of the restart files written
// at the end of a segment.
func RestartDirName(index int) string {
	return fmt.Sprintf("res%04d", index)
}

// ParseRunDirName reverses RunDirName.
func ParseRunDirName(name string) (int, bool) {
	var index int
	if _, err := fmt.Sscanf(name, "run%d", &index); err != nil {
		return 0, false
	}
	if RunDirName(index) != name {
		return 0, false
	}
	return index, true
}
