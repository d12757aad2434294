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
	"time"

	"github.com/kadirpekel/flowline/pkg/run"
	"github.com/kadirpekel/flowline/pkg/workflow"
)

type OrderInput struct {
	OrderID       string  `json:"orderId" jsonschema:"description=The order ID"`
	Amount        float64 `json:"amount" jsonschema:"description=The order amount"`
	PaymentMethod string  `json:"paymentMethod" jsonschema:"description=The payment method"`
	ProductName   string  `json:"productName" jsonschema:"description=The product name"`
}

type PaymentOutput struct {
	PaymentID   string `json:"paymentId"`
	Status      string `json:"status"`
	OrderID     string `json:"orderId"`
	ProductName string `json:"productName"`
}

type ShippingOutput struct {
	TrackingNumber    string `json:"trackingNumber"`
	EstimatedDelivery string `json:"estimatedDelivery"`
}

// OrderFulfillment processes payment, then prepares shipping.
func OrderFulfillment(opts Options) (*workflow.Workflow, error) {
	pay := workflow.NewStep(workflow.StepConfig{
		ID:          "process-payment",
		Description: "Process payment for the order",
	}, func(sc workflow.StepContext, in OrderInput) (PaymentOutput, error) {
		sc.Progress(run.ProgressInProgress, fmt.Sprintf("Processing payment of $%.2f...", in.Amount), "payment")
		if err := sleep(sc, opts.Delay); err != nil {
			return PaymentOutput{}, err
		}
		sc.Progress(run.ProgressInProgress, "Verifying payment method...", "payment")
		if err := sleep(sc, opts.Delay); err != nil {
			return PaymentOutput{}, err
		}
		sc.Progress(run.ProgressDone, "Payment processed successfully", "payment")

		return PaymentOutput{
			PaymentID:   fmt.Sprintf("PAY-%d", time.Now().UnixMilli()),
			Status:      "completed",
			OrderID:     in.OrderID,
			ProductName: in.ProductName,
		}, nil
	})

	ship := workflow.NewStep(workflow.StepConfig{
		ID:          "prepare-shipping",
		Description: "Prepare the order for shipping",
	}, func(sc workflow.StepContext, in PaymentOutput) (ShippingOutput, error) {
		sc.Progress(run.ProgressInProgress, fmt.Sprintf("Preparing order %s for shipping...", in.OrderID), "shipping")
		if err := sleep(sc, opts.Delay); err != nil {
			return ShippingOutput{}, err
		}
		sc.Progress(run.ProgressInProgress, fmt.Sprintf("Labeling package for %s...", in.ProductName), "shipping")
		if err := sleep(sc, opts.Delay); err != nil {
			return ShippingOutput{}, err
		}
		sc.Progress(run.ProgressDone, "Order ready for shipment", "shipping")

		return ShippingOutput{
			TrackingNumber:    fmt.Sprintf("TRK-%d", time.Now().UnixMilli()),
			EstimatedDelivery: time.Now().AddDate(0, 0, 3).Format(time.DateOnly),
		}, nil
	})

	wf := workflow.New(workflow.Config{
		ID:          "order-fulfillment-workflow",
		Description: "Processes an order by first handling payment, then preparing it for shipping",
		Input:       workflow.SchemaOf[OrderInput](),
		Output:      workflow.SchemaOf[ShippingOutput](),
	}).Then(pay).Then(ship)
	return wf, wf.Commit()
}

type BranchOrderInput struct {
	OrderID   string  `json:"orderId" jsonschema:"description=The order ID"`
	OrderType string  `json:"orderType" jsonschema:"enum=standard,enum=express,description=Type of shipping"`
	Amount    float64 `json:"amount" jsonschema:"description=The order amount"`
}

type ValidatedOrder struct {
	OrderID   string  `json:"orderId"`
	OrderType string  `json:"orderType" jsonschema:"enum=standard,enum=express"`
	Amount    float64 `json:"amount"`
	IsValid   bool    `json:"isValid"`
}

type ProcessedOrder struct {
	OrderID        string `json:"orderId"`
	ProcessingTime string `json:"processingTime"`
	ShippingMethod string `json:"shippingMethod"`
}

// Branching validates an order and routes it to standard or express
// processing, each a nested workflow.
func Branching(opts Options) (*workflow.Workflow, error) {
	validate := workflow.NewStep(workflow.StepConfig{
		ID:          "validate-order",
		Description: "Validate the order details",
	}, func(sc workflow.StepContext, in BranchOrderInput) (ValidatedOrder, error) {
		sc.Progress(run.ProgressInProgress, fmt.Sprintf("Validating order %s...", in.OrderID), "validation")
		if err := sleep(sc, opts.Delay); err != nil {
			return ValidatedOrder{}, err
		}
		sc.Progress(run.ProgressDone, "Order validated successfully", "validation")
		return ValidatedOrder{OrderID: in.OrderID, OrderType: in.OrderType, Amount: in.Amount, IsValid: true}, nil
	})

	standard, err := shippingWorkflow(opts, "standard", []string{
		"Processing standard order %s...",
		"Preparing standard shipping (5-7 business days)...",
	}, "5-7 business days", "Standard Ground")
	if err != nil {
		return nil, err
	}
	express, err := shippingWorkflow(opts, "express", []string{
		"Processing express order %s...",
		"Priority handling activated...",
		"Preparing express shipping (1-2 business days)...",
	}, "1-2 business days", "Express Overnight")
	if err != nil {
		return nil, err
	}

	isType := func(t string) workflow.Predicate {
		return func(d workflow.PredicateData) bool { return d.Input["orderType"] == t }
	}

	wf := workflow.New(workflow.Config{
		ID:          "branching-workflow",
		Description: "Branches on order type to different processing workflows",
		Input:       workflow.SchemaOf[BranchOrderInput](),
		Output:      workflow.SchemaOf[ProcessedOrder](),
	}).
		Then(validate).
		Branch(
			workflow.When(isType("standard"), standard),
			workflow.When(isType("express"), express),
		)
	return wf, wf.Commit()
}

func shippingWorkflow(opts Options, kind string, messages []string, processing, method string) (*workflow.Workflow, error) {
	stage := kind + "-processing"
	step := workflow.NewStep(workflow.StepConfig{
		ID:          kind + "-process",
		Description: fmt.Sprintf("Process %s order", kind),
	}, func(sc workflow.StepContext, in ValidatedOrder) (ProcessedOrder, error) {
		for i, msg := range messages {
			if i == 0 {
				msg = fmt.Sprintf(msg, in.OrderID)
			}
			sc.Progress(run.ProgressInProgress, msg, stage)
			if err := sleep(sc, opts.Delay); err != nil {
				return ProcessedOrder{}, err
			}
		}
		sc.Progress(run.ProgressDone, fmt.Sprintf("%s order processed successfully", titleCase(kind)), stage)
		return ProcessedOrder{OrderID: in.OrderID, ProcessingTime: processing, ShippingMethod: method}, nil
	})

	wf := workflow.New(workflow.Config{
		ID:          kind + "-shipping-workflow",
		Description: fmt.Sprintf("Workflow for %s shipping orders", kind),
		Input:       workflow.SchemaOf[ValidatedOrder](),
		Output:      workflow.SchemaOf[ProcessedOrder](),
	}).Then(step)
	return wf, wf.Commit()
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
