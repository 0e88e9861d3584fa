// Package prompt connects lineages to dspy-go.
//
// A lineage's task is modelled as the single signature "input -> output" whose
// instruction is the prompt text. Training examples become a core.Dataset and
// the fuzzy metric scores predictions, so dspy-go optimizers such as GEPA can
// evolve the instruction.
//
//	predict := prompt.NewTaskPredict(currentText)
//	program := predict.ToProgram("task")
//	dataset := prompt.NewDatasetAdapter(examples)
//	metric := prompt.NewMetricAdapter(prompt.NewFuzzyMatchMetric(0.8)).ToCoreMetric()
package prompt
