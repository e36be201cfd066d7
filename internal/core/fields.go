package core

// HeaderIndex maps folded CSV column names to their positions.
type HeaderIndex map[string]int

// FieldType defines how a CSV cell is converted for staging.
type FieldType int

const (
	FieldText FieldType = iota
	FieldInteger
	FieldTime
	FieldDate
	FieldFeatureList
)

// FieldSpec describes one column of the schedule export.
type FieldSpec struct {
	Name     string // CSV header label
	Column   string // staging column
	Type     FieldType
	Required bool // cell must be non-empty
}

// CSV header labels of the schedule export.
const (
	HeaderProgram           = "Curso"
	HeaderSubject           = "Unidade de execução"
	HeaderShift             = "Turno"
	HeaderClassGroup        = "Turma"
	HeaderEnrollment        = "Inscritos no turno"
	HeaderWeekday           = "Dia da Semana"
	HeaderStart             = "Início"
	HeaderEnd               = "Fim"
	HeaderDate              = "Dia"
	HeaderRequestedFeatures = "Características da sala pedida para a aula"
	HeaderRoom              = "Sala da aula"
	HeaderCapacity          = "Lotação"
	HeaderRealFeatures      = "Características reais da sala"
)

// NoRoomSentinel is the Sala da aula value meaning the class needs no room.
const NoRoomSentinel = "Não necessita de sala"

// ScheduleFields lists the columns in export order. The staging relation has
// one column per entry, in the same order, followed by row_no.
var ScheduleFields = []FieldSpec{
	{Name: HeaderProgram, Column: "curso", Type: FieldText, Required: true},
	{Name: HeaderSubject, Column: "unidade_execucao", Type: FieldText, Required: true},
	{Name: HeaderShift, Column: "turno", Type: FieldText, Required: true},
	{Name: HeaderClassGroup, Column: "turma", Type: FieldText},
	{Name: HeaderEnrollment, Column: "inscritos_no_turno", Type: FieldInteger},
	{Name: HeaderWeekday, Column: "dia_da_semana", Type: FieldText, Required: true},
	{Name: HeaderStart, Column: "inicio", Type: FieldTime, Required: true},
	{Name: HeaderEnd, Column: "fim", Type: FieldTime, Required: true},
	{Name: HeaderDate, Column: "dia", Type: FieldDate},
	{Name: HeaderRequestedFeatures, Column: "caracteristicas_pedidas", Type: FieldFeatureList},
	{Name: HeaderRoom, Column: "sala_aula", Type: FieldText},
	{Name: HeaderCapacity, Column: "lotacao", Type: FieldInteger},
	{Name: HeaderRealFeatures, Column: "caracteristicas_reais", Type: FieldFeatureList},
}

// stagingRowNoColumn carries the 1-based data row number into the staging relation.
const stagingRowNoColumn = "row_no"

// StagingColumns returns the staging column names in COPY order.
func StagingColumns() []string {
	cols := make([]string, 0, len(ScheduleFields)+1)
	for _, f := range ScheduleFields {
		cols = append(cols, f.Column)
	}
	return append(cols, stagingRowNoColumn)
}
