package cli

import (
	"reflect"

	"github.com/alecthomas/kong"
)

// parserMapper adapts a Parse function to a Kong mapper.
func parserMapper[T any](placeholder string, parse func(string) (T, error)) kong.MapperFunc {
	return func(ctx *kong.DecodeContext, target reflect.Value) error {
		var s string
		if err := ctx.Scan.PopValueInto(placeholder, &s); err != nil {
			return err
		}
		v, err := parse(s)
		if err != nil {
			return err
		}
		target.Set(reflect.ValueOf(v))
		return nil
	}
}

func signalIDMapper() kong.MapperFunc  { return parserMapper("signal", ParseSignalID) }
func pidRangeMapper() kong.MapperFunc  { return parserMapper("min-max", ParsePIDRange) }
func eventMapper() kong.MapperFunc     { return parserMapper("event", ParseEvent) }
func directionMapper() kong.MapperFunc { return parserMapper("direction", ParseDirection) }
func toggleMapper() kong.MapperFunc    { return parserMapper("on|off", ParseToggle) }
