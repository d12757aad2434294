// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package demo

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/kadirpekel/flowline/pkg/run"
	"github.com/kadirpekel/flowline/pkg/workflow"
)

type ApprovalInput struct {
	Request string `json:"request" jsonschema:"description=What needs approval"`
}

// ApprovalDecision is the resume contract of request-approval.
type ApprovalDecision struct {
	Approved     bool   `json:"approved" jsonschema:"description=Whether the request is approved"`
	ApproverName string `json:"approverName,omitempty" jsonschema:"description=Who decided"`
}

type ApprovalResult struct {
	Approved     bool   `json:"approved"`
	ApproverName string `json:"approverName,omitempty"`
	Request      string `json:"request"`
}

type FinalMessage struct {
	Message string `json:"message"`
}

// Approval pauses for a human decision. Rejection ends the run without
// finalizing.
func Approval(opts Options) (*workflow.Workflow, error) {
	request := workflow.NewStep(workflow.StepConfig{
		ID:          "request-approval",
		Description: "Wait for a human to approve the request",
		Resume:      workflow.SchemaOf[ApprovalDecision](),
	}, func(sc workflow.StepContext, in ApprovalInput) (ApprovalResult, error) {
		data := sc.ResumeData()
		if data == nil {
			sc.Progress(run.ProgressInProgress, "Waiting for approval...", "approval")
			return ApprovalResult{}, sc.Suspend(map[string]any{
				"message":   fmt.Sprintf("Approval required: %s", in.Request),
				"requestId": uuid.NewString(),
			})
		}

		decision, err := workflow.Decode[ApprovalDecision](data)
		if err != nil {
			return ApprovalResult{}, err
		}
		result := ApprovalResult{
			Approved:     decision.Approved,
			ApproverName: decision.ApproverName,
			Request:      in.Request,
		}
		if !decision.Approved {
			sc.Progress(run.ProgressDone, "Request rejected", "approval")
			out, err := workflow.Encode(result)
			if err != nil {
				return ApprovalResult{}, err
			}
			return ApprovalResult{}, sc.Bail(out)
		}
		sc.Progress(run.ProgressDone, "Request approved", "approval")
		return result, nil
	})

	finalize := workflow.NewStep(workflow.StepConfig{
		ID:          "finalize-request",
		Description: "Finalize an approved request",
	}, func(sc workflow.StepContext, in ApprovalResult) (FinalMessage, error) {
		if err := sleep(sc, opts.Delay); err != nil {
			return FinalMessage{}, err
		}
		approver := in.ApproverName
		if approver == "" {
			approver = "an approver"
		}
		return FinalMessage{Message: fmt.Sprintf("Request %q approved by %s", in.Request, approver)}, nil
	})

	wf := workflow.New(workflow.Config{
		ID:          "approval-workflow",
		Description: "Suspends until a human approves or rejects the request",
		Input:       workflow.SchemaOf[ApprovalInput](),
		Output:      workflow.SchemaOf[FinalMessage](),
	}).Then(request).Then(finalize)
	return wf, wf.Commit()
}
