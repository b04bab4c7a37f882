package jobs

import "fmt"

func PullJobKey(dataSourceID int64) string {
	return fmt.Sprintf("datasource:%d:pull", dataSourceID)
}

func ImportJobKey(processID int64) string {
	return fmt.Sprintf("process:%d:import", processID)
}

func ProcLinkJobKey(processID int64) string {
	return fmt.Sprintf("process:%d:proclink", processID)
}

// processPrefix matches every job key of a process.
func processPrefix(processID int64) string {
	return fmt.Sprintf("process:%d:", processID)
}
