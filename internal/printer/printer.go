package printer

import "github.com/opma4940-coder/mkh-Manus/internal/model"

// Printer knows how to print task information in different formats.
type Printer interface {
	PrintTaskList(tasks []model.Task) error
	PrintTask(task model.Task) error
	PrintEvents(events []model.Event) error
	PrintMessage(msg string) error
}
