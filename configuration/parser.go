package configuration

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"gopkg.in/yaml.v2"
)

// overwriteFromEnv walks the configuration struct and, for every field, looks up an environment variable named
// after the path of yaml keys leading to it (upper cased and joined with underscores). When present, the variable
// value is decoded as yaml into the field.
func overwriteFromEnv(v interface{}, prefix string) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("expected pointer to struct, got %T", v)
	}
	return overwriteStruct(rv.Elem(), prefix)
}

func overwriteStruct(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.PkgPath != "" {
			continue
		}
		name := yamlName(sf)
		if name == "-" {
			continue
		}
		envName := prefix + "_" + strings.ToUpper(name)
		field := v.Field(i)

		if raw, ok := os.LookupEnv(envName); ok {
			target := reflect.New(field.Type())
			if err := yaml.Unmarshal([]byte(raw), target.Interface()); err != nil {
				return fmt.Errorf("parsing environment variable %s: %w", envName, err)
			}
			field.Set(target.Elem())
			continue
		}

		if field.Kind() == reflect.Struct {
			if err := overwriteStruct(field, envName); err != nil {
				return err
			}
		}
	}
	return nil
}

func yamlName(sf reflect.StructField) string {
	tag := sf.Tag.Get("yaml")
	if tag == "" {
		return strings.ToLower(sf.Name)
	}
	name := strings.Split(tag, ",")[0]
	if name == "" {
		return strings.ToLower(sf.Name)
	}
	return name
}
