// Package cli implements the scanagent command line.
//
//	scanagent run [--stdin]            run the agent
//	scanagent flush [--local]          drain the backlog once
//	scanagent attention [--requeue ID] list or requeue rejected records
//	scanagent status [--addr]          show a running agent's state
//
// flush and attention talk to the running agent's status listener by
// default. --local operates on the backlog file directly and must only be
// used while no agent is running against the same file.
package cli
