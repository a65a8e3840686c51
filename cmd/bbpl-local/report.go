package main

import (
	"fmt"

	"github.com/bbpl/local-runner/scheduler"
)

func printResult(result scheduler.Result) {
	for i, item := range result.Items {
		for _, step := range item.Steps {
			status := "ok"
			if !step.Succeeded() {
				status = "FAILED"
			}
			fmt.Printf("[item %d] %-20s %-8s exit=%d (%s)\n", i, step.Name, status, step.ExitCode, step.Duration)
		}
	}
	if result.Success {
		fmt.Println("pipeline succeeded")
	} else {
		fmt.Printf("pipeline failed at item %d\n", result.FailedAt)
	}
}
